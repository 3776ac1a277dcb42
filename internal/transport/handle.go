package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"xfer/internal/engine"
	"xfer/internal/model"
)

// Handle is the state of one transfer attempt: the engine executing it and
// everything collected while it runs.
type Handle struct {
	Engine   *engine.Engine
	Request  *http.Request
	Options  model.RequestOptions
	Response *http.Response
	// Retries counts earlier attempts of the same request.
	Retries int

	ctx    context.Context
	errno  engine.Errno
	errMsg string
	start  time.Time

	headers      []string
	sink         *sink
	body         io.Reader
	bodyRead     atomic.Int64
	onHeadersErr error
	createErr    error
}

// Errno returns the engine result of the attempt.
func (h *Handle) Errno() engine.Errno { return h.errno }

// ErrorMessage returns the engine's detailed error message.
func (h *Handle) ErrorMessage() string { return h.errMsg }

// Headers returns the raw header lines of the current block.
func (h *Handle) Headers() []string {
	out := make([]string, len(h.headers))
	copy(out, h.headers)
	return out
}

// SetResult overrides the engine result. Used by executors that drive the
// engine themselves.
func (h *Handle) SetResult(code engine.Errno, msg string) {
	h.errno, h.errMsg = code, msg
}

// headerLine receives every raw header line. A blank line ends a block: an
// interim 1xx block is dropped, a final one becomes the response.
func (h *Handle) headerLine(line string) error {
	if line != "" {
		h.headers = append(h.headers, line)
		return nil
	}
	if len(h.headers) == 0 {
		return nil
	}
	if code := statusCode(h.headers[0]); code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		h.headers = h.headers[:0]
		return nil
	}
	if err := h.createResponse(); err != nil {
		h.createErr = err
		return err
	}
	if h.Options.OnHeaders != nil {
		if err := h.Options.OnHeaders(h.Response); err != nil {
			h.onHeadersErr = err
			return err
		}
	}
	h.headers = nil
	return nil
}

func statusCode(line string) int {
	_, rest, _ := strings.Cut(line, " ")
	code, _, _ := strings.Cut(rest, " ")
	n, _ := strconv.Atoi(code)
	return n
}

func (h *Handle) createResponse() error {
	proto, rest, ok := strings.Cut(h.headers[0], " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return fmt.Errorf("malformed status line %q", h.headers[0])
	}
	codeText, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return fmt.Errorf("malformed status code in %q", h.headers[0])
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok && proto == "HTTP/2" {
		major, minor = 2, 0
	}

	header := make(http.Header)
	for _, line := range h.headers[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if h.Options.DecodeContent {
		if enc := header.Values("Content-Encoding"); len(enc) > 0 {
			header["X-Encoded-Content-Encoding"] = enc
			header.Del("Content-Encoding")
			if cl := header.Values("Content-Length"); len(cl) > 0 {
				header["X-Encoded-Content-Length"] = cl
				header.Del("Content-Length")
			}
		}
	}

	length := int64(-1)
	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			length = n
		}
	}
	h.Response = &http.Response{
		Status:        strings.TrimSpace(codeText + " " + reason),
		StatusCode:    code,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        header,
		ContentLength: length,
		Body:          http.NoBody,
		Request:       h.Request,
	}
	return nil
}

func (h *Handle) readBody(p []byte) (int, error) {
	n, err := h.body.Read(p)
	h.bodyRead.Add(int64(n))
	return n, err
}

func (h *Handle) writeBody(p []byte) (int, error) {
	return h.sink.Write(p)
}

// bodyConsumed reports whether any request body byte was taken for the
// attempt, so a retry must start from a rewound body.
func (h *Handle) bodyConsumed() bool { return h.bodyRead.Load() > 0 }

// sink is the destination of response body bytes.
type sink struct {
	buf     *bytes.Buffer
	w       io.Writer
	path    string
	file    *os.File
	discard bool
}

func newSink(s model.Sink) *sink {
	switch v := s.(type) {
	case model.SinkFile:
		return &sink{path: string(v)}
	case model.SinkWriter:
		return &sink{w: v.W}
	case model.SinkDiscard:
		return &sink{discard: true}
	}
	return &sink{buf: new(bytes.Buffer)}
}

func (s *sink) Write(p []byte) (int, error) {
	switch {
	case s.buf != nil:
		return s.buf.Write(p)
	case s.w != nil:
		return s.w.Write(p)
	case s.path != "":
		if err := s.open(); err != nil {
			return 0, err
		}
		return s.file.Write(p)
	}
	return len(p), nil
}

func (s *sink) open() error {
	if s.file != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

// reader rewinds the sink and returns it as a response body.
func (s *sink) reader() (io.ReadCloser, error) {
	switch {
	case s.buf != nil:
		return io.NopCloser(bytes.NewReader(s.buf.Bytes())), nil
	case s.path != "":
		if err := s.open(); err != nil {
			return nil, err
		}
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return s.file, nil
	case s.w != nil:
		rs, ok := s.w.(io.ReadSeeker)
		if !ok {
			return http.NoBody, nil
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if rc, ok := rs.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(rs), nil
	}
	return http.NoBody, nil
}

func (s *sink) close() {
	if s.file != nil {
		_ = s.file.Close()
	}
}
