// Package engine implements the transfer primitive: a reusable handle that
// executes one HTTP transfer at a time from a flat set of options, streaming
// header lines and body bytes through callbacks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var lastID atomic.Uint64

// Engine is one transfer primitive. It keeps its connections warm between
// transfers, so reusing an engine for the same host reuses connections.
// An Engine must not be used by two goroutines at once.
type Engine struct {
	id         uint64
	opts       Options
	info       Info
	errMsg     string
	transports *lru.Cache[profile, roundTripper]
	closed     bool
}

// New returns an engine with default options.
func New() *Engine {
	return &Engine{
		id:         lastID.Add(1),
		opts:       DefaultOptions(),
		transports: newTransportCache(),
	}
}

// ID identifies the engine for the lifetime of the process.
func (e *Engine) ID() uint64 { return e.id }

// SetOptions replaces the options used by the next Perform.
func (e *Engine) SetOptions(o Options) { e.opts = o }

// Options returns a copy of the current options.
func (e *Engine) Options() Options { return e.opts.Clone() }

// Reset restores default options and clears the last transfer's results.
// Warm connections are kept.
func (e *Engine) Reset() {
	e.opts = DefaultOptions()
	e.info = Info{}
	e.errMsg = ""
}

// Info returns details about the last transfer.
func (e *Engine) Info() Info { return e.info }

// ErrorMessage returns the detailed message of the last failed transfer.
func (e *Engine) ErrorMessage() string { return e.errMsg }

// Close drops every cached connection. The engine must not be used after.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.transports.Purge()
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool { return e.closed }

func (e *Engine) fail(code Errno, format string, args ...any) Errno {
	e.errMsg = fmt.Sprintf(format, args...)
	return code
}

// Perform runs a transfer with the current options and blocks until it
// completes, fails or ctx is done.
func (e *Engine) Perform(ctx context.Context) Errno {
	e.info = Info{}
	e.errMsg = ""
	if e.closed {
		return e.fail(AbortedByCallback, "engine is closed")
	}

	o := &e.opts
	start := time.Now()
	defer func() { e.info.TotalTime = time.Since(start) }()

	u, err := url.Parse(o.URL)
	if err != nil || u.Host == "" {
		return e.fail(URLMalformat, "URL rejected: Malformed input to a URL function (%q)", o.URL)
	}
	u.Fragment = ""
	e.info.EffectiveURL = u.String()
	if !o.Protocols.allows(u.Scheme) {
		return e.fail(UnsupportedProtocol, "Protocol %q not supported or disabled", u.Scheme)
	}

	rt, err := e.transport(o, u)
	if err != nil {
		var te *transportError
		if errors.As(err, &te) {
			return e.fail(te.code, "%v", te.err)
		}
		return e.fail(SSLConnectError, "%v", err)
	}

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	t := &transfer{e: e, o: o, start: start}
	return t.run(ctx, rt, u)
}
