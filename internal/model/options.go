// Package model defines the per-request configuration and statistics shared
// by the transfer handlers.
package model

import (
	"errors"
	"io"
	"net/http"
	"time"

	"xfer/internal/engine"
)

// ErrInvalidConfiguration is wrapped by every request option validation
// failure. Such failures happen before any network activity and are never
// retried.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// HeadersFunc runs once the final response headers are known and before any
// body byte reaches the sink. A returned error aborts the transfer.
type HeadersFunc func(resp *http.Response) error

// StatsFunc receives transfer statistics once per attempt.
type StatsFunc func(stats *TransferStats)

// ProgressFunc receives byte counters on every progress tick.
type ProgressFunc func(downloadTotal, downloadNow, uploadTotal, uploadNow int64)

// RequestOptions configures one request. The zero value sends the request
// with verification on, no proxy, no timeouts and the body buffered in
// memory.
type RequestOptions struct {
	// Sink receives the response body. Nil means an in-memory buffer.
	Sink Sink
	// Verify selects TLS peer verification. The zero value keeps the
	// engine defaults, which verify.
	Verify Verify
	// Cert and SSLKey name PEM files, optionally with a passphrase.
	Cert   *CertPair
	SSLKey *CertPair
	Proxy  Proxy

	// Timeout bounds the whole transfer; zero means none.
	Timeout time.Duration
	// ConnectTimeout bounds connection setup; zero keeps the default.
	ConnectTimeout time.Duration

	DecodeContent bool

	OnHeaders HeadersFunc
	OnStats   StatsFunc
	Progress  ProgressFunc

	// Delay postpones the start of the transfer. It is not counted
	// against Timeout.
	Delay time.Duration

	// Debug receives a verbose trace of the transfer.
	Debug io.Writer

	// ForceIPResolve is "v4", "v6" or empty.
	ForceIPResolve string

	// Curl overrides are applied after every other option.
	Curl []engine.Override
}

// Sink is a destination for response bodies: SinkFile, SinkWriter or
// SinkDiscard.
type Sink interface {
	sink()
}

// SinkFile writes the body to a file, created on first write.
type SinkFile string

// SinkWriter writes the body to W. When W is also an io.ReadSeeker it is
// rewound and exposed as the response body.
type SinkWriter struct {
	W io.Writer
}

// SinkDiscard drops the body.
type SinkDiscard struct{}

func (SinkFile) sink()    {}
func (SinkWriter) sink()  {}
func (SinkDiscard) sink() {}

type verifyMode int

const (
	verifyUnset verifyMode = iota
	verifyOn
	verifyOff
	verifyPath
)

// Verify is a TLS verification setting.
type Verify struct {
	mode verifyMode
	path string
}

var (
	// VerifyOn checks the peer chain and host name against the system roots.
	VerifyOn = Verify{mode: verifyOn}
	// VerifyOff disables peer and host checks.
	VerifyOff = Verify{mode: verifyOff}
)

// VerifyPath verifies against the CA bundle file or directory at path.
func VerifyPath(path string) Verify {
	return Verify{mode: verifyPath, path: path}
}

// IsSet reports whether a verification mode was chosen.
func (v Verify) IsSet() bool { return v.mode != verifyUnset }

// Enabled reports whether peer verification is on.
func (v Verify) Enabled() bool { return v.mode != verifyOff }

// Path returns the CA bundle path, if any.
func (v Verify) Path() string { return v.path }

// CertPair is a PEM file path with an optional passphrase.
type CertPair struct {
	Path     string
	Password string
}

// Proxy is either ProxyURL or ProxyByScheme.
type Proxy interface {
	proxy()
}

// ProxyURL proxies every request through one URL.
type ProxyURL string

// ProxyByScheme picks a proxy by request scheme. Hosts matching a No
// pattern are sent directly.
type ProxyByScheme struct {
	Schemes map[string]string
	No      []string
}

func (ProxyURL) proxy()      {}
func (ProxyByScheme) proxy() {}
