// Package testserver runs a local HTTP server that replays queued responses
// and records the requests it received.
package testserver

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Response is a canned response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Request is a recorded request with its body read in full.
type Request struct {
	Method           string
	URI              string
	Proto            string
	Host             string
	Header           http.Header
	ContentLength    int64
	TransferEncoding []string
	Body             []byte
}

// Server is a fixture HTTP server.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	queue    []Response
	received []Request
}

// New starts an HTTP/1.1 server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{}
	s.srv = httptest.NewServer(s.echo())
	t.Cleanup(s.srv.Close)
	return s
}

// NewH2C starts a server that also accepts cleartext HTTP/2 with prior
// knowledge.
func NewH2C(t testing.TB) *Server {
	t.Helper()
	s := &Server{}
	s.srv = httptest.NewServer(h2c.NewHandler(s.echo(), &http2.Server{}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Any("/*", s.handle)
	return e
}

func (s *Server) handle(c echo.Context) error {
	r := c.Request()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.received = append(s.received, Request{
		Method:           r.Method,
		URI:              r.RequestURI,
		Proto:            r.Proto,
		Host:             r.Host,
		Header:           r.Header.Clone(),
		ContentLength:    r.ContentLength,
		TransferEncoding: r.TransferEncoding,
		Body:             body,
	})
	var resp Response
	ok := len(s.queue) > 0
	if ok {
		resp = s.queue[0]
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	if !ok {
		return c.String(http.StatusInternalServerError, "no responses queued")
	}

	w := c.Response()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 && r.Method != http.MethodHead {
		_, err = w.Write(resp.Body)
	}
	return err
}

// URL returns the base URL with a trailing slash.
func (s *Server) URL() string { return s.srv.URL + "/" }

// Host returns the host:port the server listens on.
func (s *Server) Host() string { return s.srv.Listener.Addr().String() }

// Enqueue appends responses to be served in order.
func (s *Server) Enqueue(rs ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, rs...)
}

// Received returns the requests received so far.
func (s *Server) Received() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.received))
	copy(out, s.received)
	return out
}

// Flush drops queued responses and recorded requests.
func (s *Server) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.received = nil
}

// Gzip compresses data for use as a Content-Encoding: gzip body.
func Gzip(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(data)
	_ = zw.Close()
	return buf.Bytes()
}
