package model

import (
	"net/http"
	"net/url"
	"time"

	"xfer/internal/engine"
)

// TransferStats describes one transfer attempt.
type TransferStats struct {
	Request      *http.Request
	Response     *http.Response
	EffectiveURI *url.URL
	TransferTime time.Duration
	// HandlerErrorData is the engine result code of the attempt.
	HandlerErrorData engine.Errno
	// HandlerStats holds the engine's raw transfer info.
	HandlerStats map[string]any
}

// HasResponse reports whether a response was received.
func (s *TransferStats) HasResponse() bool { return s.Response != nil }
