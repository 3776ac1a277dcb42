// Package transport turns requests into engine transfers: it translates
// request options, pools engines, drives transfers synchronously or through
// a multiplexer and resolves outcomes into responses or typed errors.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"xfer/internal/engine"
	"xfer/internal/metrics"
	"xfer/internal/model"
	"xfer/internal/pool"
)

const (
	// inlineBodyLimit is the size below which known-length bodies are sent
	// from memory instead of streamed.
	inlineBodyLimit = 1_000_000

	defaultConnectTimeout = 150 * time.Second

	// DefaultHandlerPoolSize and DefaultMultiPoolSize are the idle engine
	// capacities used by the single and multiplexed handlers.
	DefaultHandlerPoolSize = 3
	DefaultMultiPoolSize   = 50
)

// Recorder receives a copy of the engine options of every created handle.
type Recorder func(o engine.Options)

// Status is a snapshot of a factory's activity.
type Status struct {
	IdleHandles  int
	PoolCapacity int
	Fulfilled    uint64
	Rejected     uint64
	Retried      uint64
}

// Factory creates handles from requests and resolves finished ones.
type Factory struct {
	pool     *pool.Pool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	recorder Recorder

	fulfilled atomic.Uint64
	rejected  atomic.Uint64
	retried   atomic.Uint64
}

// NewFactory returns a factory keeping at most capacity idle engines. The
// name labels its pool metrics and log lines. Metrics may be nil.
func NewFactory(name string, capacity int, logger *slog.Logger, m *metrics.Metrics) *Factory {
	logger = logger.With("handler", name)
	return &Factory{
		pool:    pool.New(capacity, logger, m.Pool(name)),
		logger:  logger.With("component", "transport"),
		metrics: m,
	}
}

// SetRecorder installs r. It must be called before the factory is used.
func (f *Factory) SetRecorder(r Recorder) { f.recorder = r }

// Status returns pool occupancy and outcome counters.
func (f *Factory) Status() Status {
	return Status{
		IdleHandles:  f.pool.Len(),
		PoolCapacity: f.pool.Capacity(),
		Fulfilled:    f.fulfilled.Load(),
		Rejected:     f.rejected.Load(),
		Retried:      f.retried.Load(),
	}
}

// Close closes every idle engine.
func (f *Factory) Close() { f.pool.Close() }

// Create validates opts, translates req into engine options and binds them
// to a pooled engine.
func (f *Factory) Create(ctx context.Context, req *http.Request, opts model.RequestOptions) (*Handle, error) {
	h := &Handle{Request: req, Options: opts, ctx: ctx}
	o, err := f.translate(h)
	if err != nil {
		return nil, err
	}
	if f.recorder != nil {
		f.recorder(o.Clone())
	}
	h.Engine = f.pool.Acquire()
	h.Engine.SetOptions(o)
	return h, nil
}

// Release returns the handle's engine to the pool. It is safe to call more
// than once.
func (f *Factory) Release(h *Handle) {
	if h.Engine == nil {
		return
	}
	f.pool.Release(h.Engine)
	h.Engine = nil
}

func (f *Factory) translate(h *Handle) (engine.Options, error) {
	req := h.Request
	if req.URL == nil {
		return engine.Options{}, fmt.Errorf("%w: request has no URL", model.ErrInvalidConfiguration)
	}
	u := *req.URL
	u.Fragment, u.RawFragment = "", ""

	o := engine.DefaultOptions()
	o.Method = req.Method
	if o.Method == "" {
		o.Method = http.MethodGet
	}
	o.URL = u.String()
	o.HeaderFunc = h.headerLine
	o.ConnectTimeout = defaultConnectTimeout
	o.Protocols = engine.ProtoHTTP | engine.ProtoHTTPS
	o.HTTPVersion = httpVersion(req)

	h.sink = newSink(h.Options.Sink)
	o.WriteFunc = h.writeBody

	// A rejected request must leave the caller's body unread.
	if err := applyHandlerOptions(h, &o); err != nil {
		return engine.Options{}, err
	}
	skip, err := f.applyBody(h, &o)
	if err != nil {
		return engine.Options{}, err
	}
	applyHeaders(req, skip, &o)
	for _, override := range h.Options.Curl {
		override(&o)
	}
	return o, nil
}

func httpVersion(req *http.Request) engine.HTTPVersion {
	switch {
	case req.ProtoMajor == 2:
		return engine.HTTPVersion2
	case req.ProtoMajor == 1 && req.ProtoMinor == 0:
		return engine.HTTPVersion10
	}
	return engine.HTTPVersion11
}

// bodySize returns the request body length and whether it is known.
func bodySize(req *http.Request) (int64, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return 0, true
	}
	if req.ContentLength > 0 {
		return req.ContentLength, true
	}
	if v := req.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n, true
		}
	}
	return -1, false
}

// applyBody chooses how the body is sent. It returns the request header
// names that must not be copied as header lines.
func (f *Factory) applyBody(h *Handle, o *engine.Options) ([]string, error) {
	req := h.Request
	size, known := bodySize(req)

	if known && size == 0 {
		switch req.Method {
		case http.MethodPut, http.MethodPost:
			if req.Header.Get("Content-Length") == "" {
				o.Header = append(o.Header, "Content-Length: 0")
			}
		case http.MethodHead:
			o.NoBody = true
			o.WriteFunc = nil
			o.ReadFunc = nil
		}
		return nil, nil
	}

	var skip []string
	if known && size < inlineBodyLimit {
		data, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		h.bodyRead.Store(int64(len(data)))
		if data == nil {
			data = []byte{}
		}
		o.PostFields = data
		skip = []string{"Content-Length", "Transfer-Encoding"}
	} else {
		o.Upload = true
		if known {
			o.InFileSize = size
			skip = []string{"Content-Length"}
		}
		h.body = req.Body
		o.ReadFunc = h.readBody
	}

	if req.Header.Get("Expect") == "" {
		o.Header = append(o.Header, "Expect:")
	}
	if req.Header.Get("Content-Type") == "" {
		o.Header = append(o.Header, "Content-Type:")
	}
	return skip, nil
}

func applyHeaders(req *http.Request, skip []string, o *engine.Options) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if req.Header.Get("Host") == "" && host != "" {
		o.Header = append(o.Header, "Host: "+host)
	}
	for _, name := range slices.Sorted(maps.Keys(req.Header)) {
		if slices.ContainsFunc(skip, func(s string) bool { return strings.EqualFold(s, name) }) {
			continue
		}
		for _, v := range req.Header[name] {
			v = strings.TrimSpace(v)
			if v == "" {
				o.Header = append(o.Header, name+";")
			} else {
				o.Header = append(o.Header, name+": "+v)
			}
		}
	}
	if req.Header.Get("Accept") == "" {
		o.Header = append(o.Header, "Accept:")
	}
}

func applyHandlerOptions(h *Handle, o *engine.Options) error {
	opts := h.Options
	req := h.Request

	if opts.Verify.IsSet() {
		if err := applyVerify(opts.Verify, o); err != nil {
			return err
		}
	}

	if opts.DecodeContent {
		if accept := strings.Join(req.Header.Values("Accept-Encoding"), ", "); accept != "" {
			o.Encoding = &accept
		} else {
			empty := ""
			o.Encoding = &empty
			o.Header = append(o.Header, "Accept-Encoding:")
		}
	}

	if err := checkSink(opts.Sink); err != nil {
		return err
	}

	if opts.Timeout > 0 {
		o.Timeout = opts.Timeout.Truncate(time.Millisecond)
	}
	if opts.ConnectTimeout > 0 {
		o.ConnectTimeout = opts.ConnectTimeout.Truncate(time.Millisecond)
	}

	switch p := opts.Proxy.(type) {
	case model.ProxyURL:
		o.Proxy = string(p)
	case model.ProxyByScheme:
		if proxy, ok := p.Schemes[req.URL.Scheme]; ok {
			if hostInNoProxy(req.URL.Hostname(), p.No) {
				o.Proxy = ""
			} else {
				o.Proxy = proxy
			}
		}
	}

	if opts.Cert != nil {
		if !fileExists(opts.Cert.Path) {
			return fmt.Errorf("%w: SSL certificate not found: %s", model.ErrInvalidConfiguration, opts.Cert.Path)
		}
		o.SSLCert = opts.Cert.Path
		o.SSLCertPasswd = opts.Cert.Password
	}
	if opts.SSLKey != nil {
		if !fileExists(opts.SSLKey.Path) {
			return fmt.Errorf("%w: SSL private key not found: %s", model.ErrInvalidConfiguration, opts.SSLKey.Path)
		}
		o.SSLKey = opts.SSLKey.Path
		o.SSLKeyPasswd = opts.SSLKey.Password
	}

	if progress := opts.Progress; progress != nil {
		o.NoProgress = false
		o.ProgressFunc = func(dlTotal, dlNow, ulTotal, ulNow int64) error {
			progress(dlTotal, dlNow, ulTotal, ulNow)
			return nil
		}
	}

	if opts.Debug != nil {
		o.Verbose = true
		o.Stderr = opts.Debug
	}

	switch opts.ForceIPResolve {
	case "":
	case "v4":
		o.IPResolve = engine.IPResolveV4
	case "v6":
		o.IPResolve = engine.IPResolveV6
	default:
		return fmt.Errorf("%w: force_ip_resolve must be \"v4\" or \"v6\", got %q", model.ErrInvalidConfiguration, opts.ForceIPResolve)
	}
	return nil
}

func applyVerify(v model.Verify, o *engine.Options) error {
	if !v.Enabled() {
		o.SSLVerifyPeer = false
		o.SSLVerifyHost = 0
		o.CAInfo, o.CAPath = "", ""
		return nil
	}
	o.SSLVerifyPeer = true
	o.SSLVerifyHost = 2
	path := v.Path()
	if path == "" {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: SSL CA bundle not found: %s", model.ErrInvalidConfiguration, path)
	}
	if fi.IsDir() {
		o.CAPath = path
	} else {
		o.CAInfo = path
	}
	return nil
}

func checkSink(s model.Sink) error {
	switch v := s.(type) {
	case nil, model.SinkDiscard:
		return nil
	case model.SinkFile:
		path := string(v)
		if path == "" {
			return fmt.Errorf("%w: sink path is empty", model.ErrInvalidConfiguration)
		}
		dir := filepath.Dir(path)
		fi, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && !fi.IsDir()) {
			return fmt.Errorf("directory %s does not exist for sink value of %s: %w", dir, path, fs.ErrNotExist)
		}
		if err != nil {
			return fmt.Errorf("sink %s: %w", path, err)
		}
		return nil
	case model.SinkWriter:
		if v.W == nil {
			return fmt.Errorf("%w: sink writer is nil", model.ErrInvalidConfiguration)
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported sink type %T", model.ErrInvalidConfiguration, s)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
