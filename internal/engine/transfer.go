package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const readBufferSize = 16 * 1024

// transfer is the state of one Perform call. Trace callbacks and the
// request body reader run on transport goroutines, so everything they touch
// is either atomic or guarded by mu.
type transfer struct {
	e     *Engine
	o     *Options
	start time.Time
	req   *http.Request
	host  string

	sent     atomic.Int64
	received atomic.Int64
	ulTotal  atomic.Int64
	dlTotal  atomic.Int64

	gotResponse bool

	mu              sync.Mutex
	abort           Errno
	abortMsg        string
	wroteReqLine    bool
	progressRunning sync.Mutex
}

func (t *transfer) run(ctx context.Context, rt roundTripper, u *url.URL) Errno {
	t.host = u.Host
	code := t.perform(ctx, rt, u)
	if code != OK && t.e.errMsg == "" {
		if _, msg := t.aborted(); msg != "" {
			t.e.errMsg = msg
		} else {
			t.e.errMsg = code.String()
		}
	}
	t.e.info.SizeUpload = t.sent.Load()
	t.e.info.SizeDownload = t.received.Load()
	return code
}

func (t *transfer) perform(ctx context.Context, rt roundTripper, u *url.URL) Errno {
	req, err := t.newRequest(ctx, u)
	if err != nil {
		return t.e.fail(URLMalformat, "%v", err)
	}
	t.req = req
	if code := t.progress(); code != OK {
		return code
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		return t.classify(err)
	}
	defer func() { _ = resp.Body.Close() }()
	t.gotResponse = true

	if code := t.headers(resp); code != OK {
		return code
	}
	if t.o.NoBody {
		return t.progress()
	}
	return t.body(resp)
}

func (t *transfer) newRequest(ctx context.Context, u *url.URL) (*http.Request, error) {
	o := t.o
	method := o.Method
	if method == "" {
		method = http.MethodGet
		if o.NoBody {
			method = http.MethodHead
		}
	}

	var body io.Reader
	length := int64(0)
	switch {
	case o.NoBody:
	case o.PostFields != nil:
		body = bytes.NewReader(o.PostFields)
		length = int64(len(o.PostFields))
	case o.Upload:
		if o.ReadFunc == nil {
			return nil, errors.New("upload requested without a read function")
		}
		body = readFunc(o.ReadFunc)
		length = o.InFileSize
	}

	ctx = httptrace.WithClientTrace(ctx, t.trace())
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}

	suppressed := map[string]bool{}
	for _, line := range o.Header {
		name, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			if n, ok := strings.CutSuffix(strings.TrimSpace(line), ";"); ok && n != "" {
				req.Header.Add(n, "")
			}
			continue
		}
		name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if value == "" {
			suppressed[name] = true
			req.Header.Del(name)
			if name == "User-Agent" {
				req.Header["User-Agent"] = []string{""}
			}
			continue
		}
		switch name {
		case "Host":
			req.Host = value
		case "Content-Length":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && length <= 0 {
				length = n
			}
		case "Transfer-Encoding":
			if strings.EqualFold(value, "chunked") && body != nil {
				length = -1
			}
		default:
			req.Header.Add(name, value)
		}
	}
	if o.Encoding != nil && *o.Encoding != "" && !suppressed["Accept-Encoding"] && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", *o.Encoding)
	}

	switch {
	case body == nil:
		req.ContentLength = max(length, 0)
	case length == 0:
		req.Body = http.NoBody
	default:
		t.ulTotal.Store(max(length, 0))
		req.Body = io.NopCloser(&countingReader{t: t, r: body})
		req.ContentLength = length
	}

	switch o.HTTPVersion {
	case HTTPVersion10:
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.0", 1, 0
	case HTTPVersion2:
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/2", 2, 0
	}
	return req, nil
}

func (t *transfer) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSDone: func(httptrace.DNSDoneInfo) {
			t.setInfo(func(i *Info) { i.NameLookupTime = time.Since(t.start) })
		},
		ConnectStart: func(_, addr string) {
			t.debugf("* Trying %s...", addr)
		},
		ConnectDone: func(_, addr string, err error) {
			if err != nil {
				t.debugf("* connect to %s failed: %v", addr, err)
				return
			}
			t.debugf("* Connected to %s (%s)", t.host, addr)
			t.setInfo(func(i *Info) { i.ConnectTime = time.Since(t.start) })
		},
		TLSHandshakeDone: func(cs tls.ConnectionState, err error) {
			if err == nil {
				t.debugf("* SSL connection using %s", tls.VersionName(cs.Version))
				t.setInfo(func(i *Info) { i.AppConnectTime = time.Since(t.start) })
			}
		},
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Reused {
				t.debugf("* Re-using existing connection with host %s", t.host)
			}
			t.setInfo(func(i *Info) {
				if !info.Reused {
					i.NumConnects++
				}
				if info.Conn == nil {
					return
				}
				if host, port, err := net.SplitHostPort(info.Conn.RemoteAddr().String()); err == nil {
					i.PrimaryIP = host
					i.PrimaryPort, _ = strconv.Atoi(port)
				}
			})
		},
		WroteHeaderField: func(key string, values []string) {
			t.requestLine()
			for _, v := range values {
				t.debugf("> %s: %s", key, v)
			}
		},
		Got1xxResponse: func(code int, header textproto.MIMEHeader) error {
			if c := t.interim(code, header); c != OK {
				return errAborted
			}
			return nil
		},
		GotFirstResponseByte: func() {
			t.setInfo(func(i *Info) { i.StartTransferTime = time.Since(t.start) })
		},
	}
}

var errAborted = errors.New("transfer aborted by callback")

func (t *transfer) requestLine() {
	t.mu.Lock()
	done := t.wroteReqLine
	t.wroteReqLine = true
	t.mu.Unlock()
	if done || t.req == nil {
		return
	}
	t.debugf("> %s %s %s", t.req.Method, t.req.URL.RequestURI(), t.proto())
}

func (t *transfer) proto() string {
	switch t.o.HTTPVersion {
	case HTTPVersion2:
		return "HTTP/2"
	case HTTPVersion10:
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

// interim reports a 1xx response as its own header block.
func (t *transfer) interim(code int, header textproto.MIMEHeader) Errno {
	lines := []string{fmt.Sprintf("%s %d %s", t.proto(), code, http.StatusText(code))}
	lines = append(lines, headerLines(http.Header(header))...)
	lines = append(lines, "")
	for _, l := range lines {
		if c := t.header(l); c != OK {
			return c
		}
	}
	return OK
}

func (t *transfer) headers(resp *http.Response) Errno {
	proto := resp.Proto
	if resp.ProtoMajor == 2 {
		proto = "HTTP/2"
	}
	t.setInfo(func(i *Info) {
		i.ResponseCode = resp.StatusCode
		i.HTTPVersion = proto
	})
	t.dlTotal.Store(max(resp.ContentLength, 0))

	lines := []string{proto + " " + resp.Status}
	lines = append(lines, headerLines(resp.Header)...)
	lines = append(lines, "")
	for _, l := range lines {
		if c := t.header(l); c != OK {
			return c
		}
	}
	return OK
}

// headerLines renders a header map in a stable order.
func headerLines(h http.Header) []string {
	var lines []string
	for _, k := range slices.Sorted(maps.Keys(h)) {
		for _, v := range h[k] {
			lines = append(lines, k+": "+v)
		}
	}
	return lines
}

func (t *transfer) header(line string) Errno {
	t.setInfo(func(i *Info) { i.HeaderSize += int64(len(line) + 2) })
	if line != "" {
		t.debugf("< %s", line)
	}
	if t.o.HeaderFunc == nil {
		return OK
	}
	if err := t.o.HeaderFunc(line); err != nil {
		return t.abortf(WriteError, "Failed writing header: %v", err)
	}
	return OK
}

func (t *transfer) body(resp *http.Response) Errno {
	var r io.Reader = resp.Body
	if t.o.Encoding != nil {
		dec, err := decoder(resp.Header.Get("Content-Encoding"), r)
		if err != nil {
			return t.e.fail(BadContentEncoding, "%v", err)
		}
		if c, ok := dec.(io.Closer); ok {
			defer func() { _ = c.Close() }()
		}
		r = dec
	}

	buf := make([]byte, readBufferSize)
	slow := lowSpeed{limit: t.o.LowSpeedLimit, window: t.o.LowSpeedTime, since: time.Now()}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.received.Add(int64(n))
			if code := t.write(buf[:n]); code != OK {
				return code
			}
			if code := t.progress(); code != OK {
				return code
			}
		}
		if slow.tooSlow(n, time.Now()) {
			return t.e.fail(OperationTimedOut, "Operation too slow. Less than %d bytes/sec transferred the last %d seconds",
				slow.limit, int(slow.window.Seconds()))
		}
		if errors.Is(err, io.EOF) {
			return t.progress()
		}
		if err != nil {
			return t.classify(err)
		}
	}
}

func (t *transfer) write(p []byte) Errno {
	if t.o.WriteFunc == nil {
		return OK
	}
	n, err := t.o.WriteFunc(p)
	if err != nil {
		return t.e.fail(WriteError, "Failure writing output to destination: %v", err)
	}
	if n != len(p) {
		return t.e.fail(WriteError, "Failure writing output to destination, passed %d returned %d", len(p), n)
	}
	return OK
}

func (t *transfer) progress() Errno {
	if t.o.NoProgress || t.o.ProgressFunc == nil {
		return OK
	}
	t.progressRunning.Lock()
	defer t.progressRunning.Unlock()
	err := t.o.ProgressFunc(t.dlTotal.Load(), t.received.Load(), t.ulTotal.Load(), t.sent.Load())
	if err != nil {
		return t.abortf(AbortedByCallback, "Callback aborted: %v", err)
	}
	return OK
}

func (t *transfer) abortf(code Errno, format string, args ...any) Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abort == OK {
		t.abort = code
		t.abortMsg = fmt.Sprintf(format, args...)
	}
	return t.abort
}

func (t *transfer) aborted() (Errno, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abort, t.abortMsg
}

func (t *transfer) setInfo(fn func(*Info)) {
	t.mu.Lock()
	fn(&t.e.info)
	t.mu.Unlock()
}

func (t *transfer) debugf(format string, args ...any) {
	if !t.o.Verbose || t.o.Stderr == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.o.Stderr, format+"\r\n", args...)
}

// classify maps a transport error to an errno and message.
func (t *transfer) classify(err error) Errno {
	if code, msg := t.aborted(); code != OK {
		return t.e.fail(code, "%s", msg)
	}
	var (
		ne        net.Error
		dnsErr    *net.DNSError
		opErr     *net.OpError
		certErr   *tls.CertificateVerificationError
		authErr   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		invalid   x509.CertificateInvalidError
		recordErr tls.RecordHeaderError
		alertErr  tls.AlertError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return t.e.fail(OperationTimedOut, "Operation timed out after %d milliseconds with %d bytes received",
			time.Since(t.start).Milliseconds(), t.received.Load())
	case errors.Is(err, context.Canceled):
		return t.e.fail(AbortedByCallback, "Transfer canceled: %v", err)
	case errors.As(err, &dnsErr):
		if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
			return t.e.fail(CouldntResolveProxy, "Could not resolve proxy: %s", dnsErr.Name)
		}
		return t.e.fail(CouldntResolveHost, "Could not resolve host: %s", dnsErr.Name)
	case errors.As(err, &certErr), errors.As(err, &authErr), errors.As(err, &hostErr), errors.As(err, &invalid):
		return t.e.fail(PeerFailedVerification, "SSL certificate problem: %v", err)
	case errors.As(err, &recordErr), errors.As(err, &alertErr):
		return t.e.fail(SSLConnectError, "SSL connect error: %v", err)
	case errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "proxyconnect"):
		return t.e.fail(CouldntConnect, "Failed to connect to %s: %v", t.host, opErr.Err)
	case isDecodeError(err):
		return t.e.fail(BadContentEncoding, "Error while processing content unencoding: %v", err)
	}
	if !t.gotResponse {
		if isConnDrop(err) {
			if t.sent.Load() > 0 {
				return t.e.fail(SendFailRewind, "Send failed since rewinding of the data stream failed: %v", err)
			}
			return t.e.fail(GotNothing, "Empty reply from server")
		}
		return t.e.fail(SendError, "%v", err)
	}
	return t.e.fail(RecvError, "%v", err)
}

func isConnDrop(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		strings.Contains(err.Error(), "server closed idle connection")
}

type readFunc func(p []byte) (int, error)

func (f readFunc) Read(p []byte) (int, error) { return f(p) }

// countingReader tracks request body bytes handed to the transport.
type countingReader struct {
	t *transfer
	r io.Reader
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.t.sent.Add(int64(n))
		if code := c.t.progress(); code != OK {
			return n, errAborted
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		c.t.abortf(ReadError, "read function returned error: %v", err)
	}
	return n, err
}

type lowSpeed struct {
	limit  int64
	window time.Duration
	since  time.Time
	bytes  int64
}

func (l *lowSpeed) tooSlow(n int, now time.Time) bool {
	if l.limit <= 0 || l.window <= 0 {
		return false
	}
	l.bytes += int64(n)
	elapsed := now.Sub(l.since)
	if elapsed < l.window {
		return false
	}
	rate := float64(l.bytes) / elapsed.Seconds()
	l.since, l.bytes = now, 0
	return rate < float64(l.limit)
}
