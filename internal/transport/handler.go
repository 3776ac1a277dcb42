package transport

import (
	"context"
	"net/http"
	"time"

	"xfer/internal/model"
	"xfer/internal/promise"
)

// Handler sends requests one at a time on the calling goroutine.
type Handler struct {
	factory *Factory
}

// NewHandler returns a blocking handler backed by f.
func NewHandler(f *Factory) *Handler {
	return &Handler{factory: f}
}

// Factory returns the handler's factory.
func (hd *Handler) Factory() *Factory { return hd.factory }

// Send performs req and returns an already settled promise.
func (hd *Handler) Send(ctx context.Context, req *http.Request, opts model.RequestOptions) *promise.Promise[*http.Response] {
	if opts.Delay > 0 {
		t := time.NewTimer(opts.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return promise.Reject[*http.Response](ctx.Err())
		}
	}

	resp, err := hd.factory.Resolve(ctx, req, opts, hd.attempt)
	if err != nil {
		return promise.Reject[*http.Response](err)
	}
	return promise.Fulfill(resp)
}

func (hd *Handler) attempt(ctx context.Context, req *http.Request, opts model.RequestOptions) (*Handle, error) {
	h, err := hd.factory.Create(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	hd.factory.Perform(h)
	return h, nil
}
