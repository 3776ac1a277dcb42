package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"xfer/internal/engine"
	"xfer/internal/metrics"
	"xfer/internal/model"
)

// maxRetries is the number of re-attempts after the first one.
const maxRetries = 2

const errnoDocs = "see https://curl.se/libcurl/c/libcurl-errors.html"

// AttemptFunc runs one attempt of req and returns its finished handle.
type AttemptFunc func(ctx context.Context, req *http.Request, opts model.RequestOptions) (*Handle, error)

// Resolve runs attempt until the request succeeds, fails for good or the
// retry limit is hit.
func (f *Factory) Resolve(ctx context.Context, req *http.Request, opts model.RequestOptions, attempt AttemptFunc) (*http.Response, error) {
	for retries := 0; ; retries++ {
		h, err := attempt(ctx, req, opts)
		if err != nil {
			return nil, err
		}
		h.Retries = retries
		resp, next, err := f.Finish(h)
		if next == nil {
			return resp, err
		}
		req = next
	}
}

// Perform runs the handle's transfer on the calling goroutine, bound to the
// context the handle was created with.
func (f *Factory) Perform(h *Handle) {
	f.begin(h)
	code := h.Engine.Perform(h.ctx)
	f.end(h, code, h.Engine.ErrorMessage())
}

func (f *Factory) begin(h *Handle) {
	h.start = time.Now()
	if f.metrics != nil {
		f.metrics.TransfersInFlight.Inc()
	}
}

func (f *Factory) end(h *Handle, code engine.Errno, msg string) {
	h.SetResult(code, msg)
	if f.metrics != nil {
		f.metrics.TransfersInFlight.Dec()
		f.metrics.TransferDuration.WithLabelValues(metrics.NormalizeMethod(h.Request.Method)).
			Observe(time.Since(h.start).Seconds())
	}
	f.logger.Debug("transfer finished",
		"method", h.Request.Method,
		"url", redactedURL(h.Request.URL),
		"errno", int(code),
		"duration_ms", time.Since(h.start).Milliseconds(),
	)
}

// Finish settles a completed handle. It returns the response on success.
// When the attempt should be repeated it returns the request to send next,
// with a rewound body when one was consumed.
func (f *Factory) Finish(h *Handle) (*http.Response, *http.Request, error) {
	var info engine.Info
	if h.Engine != nil {
		info = h.Engine.Info()
	}
	f.invokeStats(h, info)

	if h.Response != nil {
		body, err := h.sink.reader()
		if err != nil && h.errno == engine.OK {
			h.SetResult(engine.WriteError, fmt.Sprintf("Failure reading back the sink: %v", err))
		} else if err == nil {
			h.Response.Body = body
		}
	}

	if h.Response == nil || h.errno != engine.OK {
		return f.finishError(h, info)
	}
	f.Release(h)
	f.outcome(h, "fulfilled")
	f.fulfilled.Add(1)
	return h.Response, nil, nil
}

func (f *Factory) invokeStats(h *Handle, info engine.Info) {
	if h.Options.OnStats == nil {
		return
	}
	uri := h.Request.URL
	if info.EffectiveURL != "" {
		if u, err := url.Parse(info.EffectiveURL); err == nil {
			uri = u
		}
	}
	h.Options.OnStats(&model.TransferStats{
		Request:          h.Request,
		Response:         h.Response,
		EffectiveURI:     uri,
		TransferTime:     info.TotalTime,
		HandlerErrorData: h.errno,
		HandlerStats:     info.Map(),
	})
}

func (f *Factory) finishError(h *Handle, info engine.Info) (*http.Response, *http.Request, error) {
	hctx := info.Map()
	hctx["errno"] = int(h.errno)
	hctx["error"] = h.errMsg
	f.Release(h)
	h.sink.close()

	if h.onHeadersErr == nil && h.createErr == nil && (h.errno == engine.OK || h.errno == engine.SendFailRewind) {
		return f.retryFailedRewind(h, hctx)
	}
	return nil, nil, f.rejection(h, hctx)
}

func (f *Factory) retryFailedRewind(h *Handle, hctx map[string]any) (*http.Response, *http.Request, error) {
	next := h.Request
	if h.bodyConsumed() {
		rewound, err := rewind(h.Request)
		if err != nil {
			hctx["error"] = "The connection unexpectedly failed without providing an error. " +
				"The request would have been retried, but attempting to rewind the request body failed. " +
				"Exception: " + err.Error()
			return nil, nil, f.rejection(h, hctx)
		}
		next = rewound
	}
	if h.Retries >= maxRetries {
		hctx["error"] = fmt.Sprintf("The request was retried %d times and did not succeed. "+
			"The request body could not be rewound or every retry failed with the same error. "+
			"Enable the debug option to trace the transfer.", maxRetries+1)
		return nil, nil, f.rejection(h, hctx)
	}

	f.retried.Add(1)
	if f.metrics != nil {
		f.metrics.TransferRetries.Inc()
	}
	f.outcome(h, "retry")
	f.logger.Debug("retrying transfer",
		"method", h.Request.Method,
		"url", redactedURL(h.Request.URL),
		"attempt", h.Retries+2,
	)
	return nil, next, nil
}

// rewind returns a shallow copy of req carrying a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	if req.GetBody == nil {
		return nil, errors.New("request body is not rewindable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	next := req.WithContext(req.Context())
	next.Body = body
	return next, nil
}

func (f *Factory) rejection(h *Handle, hctx map[string]any) error {
	f.rejected.Add(1)
	if h.createErr != nil {
		f.outcome(h, "request_error")
		return &RequestError{
			msg:      "An error was encountered while creating the response",
			request:  h.Request,
			response: h.Response,
			cause:    h.createErr,
			context:  hctx,
		}
	}
	if h.onHeadersErr != nil {
		f.outcome(h, "request_error")
		return &RequestError{
			msg:      "An error was encountered during the on_headers event",
			request:  h.Request,
			response: h.Response,
			cause:    h.onHeadersErr,
			context:  hctx,
		}
	}

	detail, _ := hctx["error"].(string)
	msg := fmt.Sprintf("cURL error %d: %s (%s)", h.errno, detail, errnoDocs)
	if uri := redactedURL(h.Request.URL); detail != "" && uri != "" && !strings.Contains(detail, uri) {
		msg += " for " + uri
	}
	cause := &EngineError{Errno: h.errno, Message: detail}

	if h.errno.IsConnect() {
		f.outcome(h, "connect_error")
		f.logger.Warn("connect failed", "url", redactedURL(h.Request.URL), "errno", int(h.errno), "error", detail)
		return &ConnectError{msg: msg, request: h.Request, cause: cause, context: hctx}
	}
	f.outcome(h, "request_error")
	return &RequestError{msg: msg, request: h.Request, response: h.Response, cause: cause, context: hctx}
}

func (f *Factory) outcome(h *Handle, outcome string) {
	if f.metrics != nil {
		f.metrics.TransfersTotal.WithLabelValues(metrics.NormalizeMethod(h.Request.Method), outcome).Inc()
	}
}

func redactedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Fragment, c.RawFragment = "", ""
	if c.User != nil {
		c.User = url.User(c.User.Username())
		if _, ok := u.User.Password(); ok {
			c.User = url.UserPassword(c.User.Username(), "***")
		}
	}
	return c.String()
}
