package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"xfer/internal/config"
	"xfer/internal/engine"
	"xfer/internal/model"
	"xfer/internal/promise"
	"xfer/internal/transport"
)

// CLI holds the command-line arguments parsed by Kong.
type CLI struct {
	config.CLI

	URLs []string `kong:"arg,name='url',help='URLs to transfer. More than one URL runs them concurrently.'"`

	Method         string        `kong:"short='X',name='request',placeholder='METHOD',help='Request method.'"`
	Headers        []string      `kong:"short='H',name='header',placeholder='LINE',help='Extra header \"Name: value\". \"Name;\" sends it empty, \"Name:\" removes it.'"`
	Data           string        `kong:"short='d',name='data',help='Request body. @file reads it from a file, @- from stdin.'"`
	Output         string        `kong:"short='o',name='output',type='path',help='Write the body to a file instead of stdout.'"`
	Insecure       bool          `kong:"short='k',help='Skip TLS peer and host verification.'"`
	CACert         string        `kong:"name='cacert',type='path',help='CA bundle file or directory.'"`
	Cert           string        `kong:"short='E',help='Client certificate, optionally followed by :password.'"`
	Key            string        `kong:"type='path',help='Client private key.'"`
	KeyPass        string        `kong:"name='pass',help='Private key password.'"`
	Proxy          string        `kong:"short='x',help='Proxy URL.'"`
	NoProxy        []string      `kong:"name='noproxy',sep=',',help='Hosts that bypass the proxy.'"`
	Compressed     bool          `kong:"help='Request a compressed response and decode it.'"`
	Timeout        time.Duration `kong:"short='m',help='Total transfer timeout.'"`
	ConnectTimeout time.Duration `kong:"name='connect-timeout',help='Connection timeout.'"`
	Delay          time.Duration `kong:"help='Wait before sending each request.'"`
	HTTP10         bool          `kong:"name='http1.0',xor='proto',help='Use HTTP/1.0.'"`
	HTTP2          bool          `kong:"name='http2',xor='proto',help='Use HTTP/2.'"`
	IPv4           bool          `kong:"short='4',name='ipv4',xor='ip',help='Resolve names to IPv4 addresses only.'"`
	IPv6           bool          `kong:"short='6',name='ipv6',xor='ip',help='Resolve names to IPv6 addresses only.'"`
	Verbose        bool          `kong:"short='v',help='Trace the transfer on stderr.'"`
	Include        bool          `kong:"short='i',help='Include response headers in the output.'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type runner struct {
	cli      *CLI
	defaults model.RequestOptions
	t        *transfers
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	logger   *slog.Logger
}

// run performs every URL and returns the process exit code. A failed
// transfer exits with its engine error number, as curl does.
func (r *runner) run(ctx context.Context) int {
	if len(r.cli.URLs) == 0 {
		fmt.Fprintln(r.stderr, "xfer: no URL specified")
		return exitUsage
	}
	if len(r.cli.URLs) > 1 && r.cli.Output != "" {
		fmt.Fprintln(r.stderr, "xfer: --output takes a single URL")
		return exitUsage
	}

	body, err := r.body()
	if err != nil {
		fmt.Fprintf(r.stderr, "xfer: %v\n", err)
		return exitUsage
	}

	if len(r.cli.URLs) == 1 {
		return r.single(ctx, r.cli.URLs[0], body)
	}
	return r.concurrent(ctx, body)
}

func (r *runner) single(ctx context.Context, target string, body []byte) int {
	req, err := r.request(ctx, target, body)
	if err != nil {
		return r.fail(err)
	}
	opts := r.options()
	if r.cli.Output != "" {
		opts.Sink = model.SinkFile(r.cli.Output)
	} else {
		opts.Sink = model.SinkWriter{W: r.stdout}
	}
	if r.cli.Include {
		opts.OnHeaders = r.writeHeaders
	}

	resp, err := r.t.single.Send(ctx, req, opts).Wait()
	if err != nil {
		return r.fail(err)
	}
	_ = resp.Body.Close()
	r.logger.Debug("transfer complete", "url", target, "status", resp.StatusCode)
	return exitOK
}

// concurrent runs every URL through the multiplexed handler, buffering each
// body, and prints the results in argument order.
func (r *runner) concurrent(ctx context.Context, body []byte) int {
	var pending []*promise.Promise[*http.Response]
	for _, target := range r.cli.URLs {
		req, err := r.request(ctx, target, body)
		if err != nil {
			pending = append(pending, promise.Reject[*http.Response](err))
			continue
		}
		pending = append(pending, r.t.multi.Send(ctx, req, r.options()))
	}
	r.t.multi.Execute()

	code := exitOK
	for i, p := range pending {
		resp, err := p.Wait()
		if err != nil {
			r.logger.Warn("transfer failed", "url", r.cli.URLs[i], "err", err)
			code = r.fail(err)
			continue
		}
		if r.cli.Include {
			_ = r.writeHeaders(resp)
		}
		if _, err := io.Copy(r.stdout, resp.Body); err != nil {
			code = r.fail(fmt.Errorf("write output: %w", err))
		}
		_ = resp.Body.Close()
	}
	return code
}

func (r *runner) body() ([]byte, error) {
	data := r.cli.Data
	switch {
	case data == "":
		return nil, nil
	case data == "@-":
		in := r.stdin
		if in == nil {
			in = os.Stdin
		}
		return io.ReadAll(in)
	case strings.HasPrefix(data, "@"):
		return os.ReadFile(data[1:])
	}
	return []byte(data), nil
}

func (r *runner) request(ctx context.Context, target string, body []byte) (*http.Request, error) {
	method := r.cli.Method
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidConfiguration, err)
	}

	for _, line := range r.cli.Headers {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			if n, empty := strings.CutSuffix(strings.TrimSpace(line), ";"); empty && n != "" {
				req.Header[http.CanonicalHeaderKey(n)] = []string{""}
				continue
			}
			return nil, fmt.Errorf("%w: malformed header %q", model.ErrInvalidConfiguration, line)
		}
		if value = strings.TrimSpace(value); value != "" {
			req.Header.Add(strings.TrimSpace(name), value)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if r.cli.Compressed && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}

	switch {
	case r.cli.HTTP2:
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/2", 2, 0
	case r.cli.HTTP10:
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.0", 1, 0
	}
	return req, nil
}

// options layers the command-line flags over the configured defaults.
func (r *runner) options() model.RequestOptions {
	c := r.cli
	o := r.defaults

	switch {
	case c.Insecure:
		o.Verify = model.VerifyOff
	case c.CACert != "":
		o.Verify = model.VerifyPath(c.CACert)
	}
	if c.Cert != "" {
		path, pass, _ := strings.Cut(c.Cert, ":")
		o.Cert = &model.CertPair{Path: path, Password: pass}
	}
	if c.Key != "" {
		o.SSLKey = &model.CertPair{Path: c.Key, Password: c.KeyPass}
	}
	if c.Proxy != "" {
		if len(c.NoProxy) > 0 {
			o.Proxy = model.ProxyByScheme{
				Schemes: map[string]string{"http": c.Proxy, "https": c.Proxy},
				No:      c.NoProxy,
			}
		} else {
			o.Proxy = model.ProxyURL(c.Proxy)
		}
	}
	if c.Compressed {
		o.DecodeContent = true
	}
	if c.Timeout > 0 {
		o.Timeout = c.Timeout
	}
	if c.ConnectTimeout > 0 {
		o.ConnectTimeout = c.ConnectTimeout
	}
	if c.Delay > 0 {
		o.Delay = c.Delay
	}
	switch {
	case c.IPv4:
		o.ForceIPResolve = "v4"
	case c.IPv6:
		o.ForceIPResolve = "v6"
	}
	if c.Verbose {
		o.Debug = r.stderr
	}

	var removed []string
	for _, line := range c.Headers {
		if name, value, ok := strings.Cut(line, ":"); ok && strings.TrimSpace(value) == "" {
			removed = append(removed, strings.TrimSpace(name))
		}
	}
	if len(removed) > 0 {
		o.Curl = append(o.Curl[:len(o.Curl):len(o.Curl)], func(eo *engine.Options) {
			for _, name := range removed {
				eo.RemoveHeader(name)
				eo.Header = append(eo.Header, name+":")
			}
		})
	}
	return o
}

func (r *runner) writeHeaders(resp *http.Response) error {
	if _, err := fmt.Fprintf(r.stdout, "%s %s\r\n", resp.Proto, resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(r.stdout); err != nil {
		return err
	}
	_, err := io.WriteString(r.stdout, "\r\n")
	return err
}

// fail reports err and maps it to an exit code.
func (r *runner) fail(err error) int {
	fmt.Fprintf(r.stderr, "xfer: %v\n", err)

	var engErr *transport.EngineError
	switch {
	case errors.As(err, &engErr) && engErr.Errno != engine.OK:
		return int(engErr.Errno)
	case errors.Is(err, model.ErrInvalidConfiguration):
		return exitUsage
	}
	return exitFailure
}
