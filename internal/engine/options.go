package engine

import (
	"io"
	"slices"
	"strings"
	"time"
)

// HTTPVersion selects the protocol version used for a transfer.
type HTTPVersion int

const (
	HTTPVersionNone HTTPVersion = iota
	HTTPVersion10
	HTTPVersion11
	HTTPVersion2
)

func (v HTTPVersion) String() string {
	switch v {
	case HTTPVersion10:
		return "1.0"
	case HTTPVersion11:
		return "1.1"
	case HTTPVersion2:
		return "2"
	}
	return "none"
}

// IPResolve restricts name resolution to one address family.
type IPResolve int

const (
	IPResolveWhatever IPResolve = iota
	IPResolveV4
	IPResolveV6
)

// Protocol is a bit set of URL schemes a transfer may use.
type Protocol uint

const (
	ProtoHTTP Protocol = 1 << iota
	ProtoHTTPS

	ProtoAll = ProtoHTTP | ProtoHTTPS
)

func (p Protocol) allows(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http":
		return p&ProtoHTTP != 0
	case "https":
		return p&ProtoHTTPS != 0
	}
	return false
}

// DefaultConnectTimeout is the connect timeout of a freshly reset engine.
const DefaultConnectTimeout = 300 * time.Second

// Options is the complete primitive-level description of one transfer.
// Zero values mean "unset" except where Reset documents a default.
type Options struct {
	Method      string
	URL         string
	HTTPVersion HTTPVersion
	Protocols   Protocol

	// Header holds raw header lines. "Name: value" adds a header,
	// "Name:" suppresses a header the engine would otherwise send and
	// "Name;" sends the header with an empty value.
	Header []string

	// NoBody requests headers only (HEAD semantics).
	NoBody bool
	// PostFields is sent inline as the request body when non-nil.
	PostFields []byte
	// Upload streams the request body through ReadFunc.
	Upload     bool
	InFileSize int64
	ReadFunc   func(p []byte) (int, error)

	// HeaderFunc receives every response header line, status lines
	// included, with the terminating blank line of each block as "".
	HeaderFunc func(line string) error
	// WriteFunc receives response body bytes. A short write aborts.
	WriteFunc func(p []byte) (int, error)

	NoProgress   bool
	ProgressFunc func(downloadTotal, downloadNow, uploadTotal, uploadNow int64) error

	ConnectTimeout time.Duration
	Timeout        time.Duration
	LowSpeedLimit  int64
	LowSpeedTime   time.Duration
	IPResolve      IPResolve

	SSLVerifyPeer bool
	SSLVerifyHost int
	CAInfo        string
	CAPath        string
	SSLCert       string
	SSLCertPasswd string
	SSLKey        string
	SSLKeyPasswd  string

	Proxy string

	// Encoding enables response decoding when non-nil. A non-empty value
	// is also sent as Accept-Encoding.
	Encoding *string

	Verbose bool
	Stderr  io.Writer
}

// Override mutates options after they have been computed.
type Override func(*Options)

// DefaultOptions returns the options of a freshly reset engine.
func DefaultOptions() Options {
	return Options{
		Method:         "GET",
		Protocols:      ProtoAll,
		InFileSize:     -1,
		NoProgress:     true,
		ConnectTimeout: DefaultConnectTimeout,
		SSLVerifyPeer:  true,
		SSLVerifyHost:  2,
	}
}

// Clone returns a copy that shares no slices with o.
func (o Options) Clone() Options {
	o.Header = slices.Clone(o.Header)
	if o.PostFields != nil {
		o.PostFields = slices.Clone(o.PostFields)
	}
	if o.Encoding != nil {
		enc := *o.Encoding
		o.Encoding = &enc
	}
	return o
}

// HasHeaderLine reports whether a raw header line equal to line is set.
func (o Options) HasHeaderLine(line string) bool {
	return slices.Contains(o.Header, line)
}

// RemoveHeader drops every header line for name.
func (o *Options) RemoveHeader(name string) {
	o.Header = slices.DeleteFunc(o.Header, func(line string) bool {
		return strings.EqualFold(headerLineName(line), name)
	})
}

func headerLineName(line string) string {
	if i := strings.IndexAny(line, ":;"); i >= 0 {
		return strings.TrimSpace(line[:i])
	}
	return strings.TrimSpace(line)
}

// WithLowSpeed aborts transfers slower than limit bytes per second for d.
func WithLowSpeed(limit int64, d time.Duration) Override {
	return func(o *Options) {
		o.LowSpeedLimit = limit
		o.LowSpeedTime = d
	}
}

// WithHTTPVersion forces a protocol version.
func WithHTTPVersion(v HTTPVersion) Override {
	return func(o *Options) { o.HTTPVersion = v }
}

// WithProxy forces a proxy URL; an empty string disables proxying.
func WithProxy(proxy string) Override {
	return func(o *Options) { o.Proxy = proxy }
}
