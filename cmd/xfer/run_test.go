package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xfer/internal/engine"
	"xfer/internal/model"
	"xfer/internal/testserver"
	"xfer/internal/transport"
)

func newRunner(t *testing.T, cli *CLI) (*runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sf := transport.NewFactory("single", transport.DefaultHandlerPoolSize, logger, nil)
	mf := transport.NewFactory("multi", transport.DefaultMultiPoolSize, logger, nil)
	tr := &transfers{
		single:      transport.NewHandler(sf),
		multi:       transport.NewMultiHandler(mf, transport.MultiOptions{}),
		singleStats: sf,
		multiStats:  mf,
	}
	t.Cleanup(func() {
		tr.multi.Close()
		mf.Close()
		sf.Close()
	})

	var stdout, stderr bytes.Buffer
	return &runner{cli: cli, t: tr, stdout: &stdout, stderr: &stderr, logger: logger}, &stdout, &stderr
}

func TestRunner_Request(t *testing.T) {
	r, _, _ := newRunner(t, &CLI{
		Data:       "a=1",
		Headers:    []string{"X-Foo: bar", "X-Empty;", "Accept:"},
		Compressed: true,
		HTTP2:      true,
	})
	body, err := r.body()
	require.NoError(t, err)

	req, err := r.request(context.Background(), "http://example.com/", body)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "bar", req.Header.Get("X-Foo"))
	assert.Equal(t, []string{""}, req.Header["X-Empty"])
	assert.NotContains(t, req.Header, "Accept")
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
	assert.Equal(t, "gzip, deflate", req.Header.Get("Accept-Encoding"))
	assert.Equal(t, 2, req.ProtoMajor)
	assert.EqualValues(t, 3, req.ContentLength)
}

func TestRunner_RequestMethod(t *testing.T) {
	r, _, _ := newRunner(t, &CLI{Method: http.MethodPut})
	req, err := r.request(context.Background(), "http://example.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Empty(t, req.Header.Get("Content-Type"))

	r.cli.Method = ""
	req, err = r.request(context.Background(), "http://example.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
}

func TestRunner_RequestMalformedHeader(t *testing.T) {
	r, _, _ := newRunner(t, &CLI{Headers: []string{"nonsense"}})
	_, err := r.request(context.Background(), "http://example.com/", nil)
	require.ErrorIs(t, err, model.ErrInvalidConfiguration)
	assert.Equal(t, exitUsage, r.fail(err))
}

func TestRunner_BodyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o600))

	r, _, _ := newRunner(t, &CLI{Data: "@" + path})
	body, err := r.body()
	require.NoError(t, err)
	assert.Equal(t, "from file", string(body))

	r.cli.Data = "@-"
	r.stdin = strings.NewReader("from stdin")
	body, err = r.body()
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(body))
}

func TestRunner_Options(t *testing.T) {
	r, _, stderr := newRunner(t, &CLI{
		Insecure:       true,
		Cert:           "/tmp/client.pem:secret",
		Key:            "/tmp/client.key",
		KeyPass:        "pw",
		Proxy:          "http://proxy:3128",
		NoProxy:        []string{"localhost", ".internal"},
		Compressed:     true,
		Timeout:        5 * time.Second,
		ConnectTimeout: time.Second,
		Delay:          250 * time.Millisecond,
		IPv4:           true,
		Verbose:        true,
		Headers:        []string{"Accept:"},
	})
	r.defaults = model.RequestOptions{Timeout: time.Minute, DecodeContent: false}

	o := r.options()
	assert.False(t, o.Verify.Enabled())
	assert.Equal(t, &model.CertPair{Path: "/tmp/client.pem", Password: "secret"}, o.Cert)
	assert.Equal(t, &model.CertPair{Path: "/tmp/client.key", Password: "pw"}, o.SSLKey)
	assert.Equal(t, model.ProxyByScheme{
		Schemes: map[string]string{"http": "http://proxy:3128", "https": "http://proxy:3128"},
		No:      []string{"localhost", ".internal"},
	}, o.Proxy)
	assert.True(t, o.DecodeContent)
	assert.Equal(t, 5*time.Second, o.Timeout)
	assert.Equal(t, time.Second, o.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, o.Delay)
	assert.Equal(t, "v4", o.ForceIPResolve)
	assert.Same(t, stderr, o.Debug)
	require.Len(t, o.Curl, 1)

	eo := engine.Options{Header: []string{"Accept: */*", "X-Foo: bar"}}
	o.Curl[0](&eo)
	assert.Equal(t, []string{"X-Foo: bar", "Accept:"}, eo.Header)
}

func TestRunner_OptionsKeepDefaults(t *testing.T) {
	r, _, _ := newRunner(t, &CLI{CACert: "/etc/ssl/ca.pem", Proxy: "http://proxy:3128"})
	r.defaults = model.RequestOptions{Timeout: time.Minute}

	o := r.options()
	assert.Equal(t, "/etc/ssl/ca.pem", o.Verify.Path())
	assert.Equal(t, model.ProxyURL("http://proxy:3128"), o.Proxy)
	assert.Equal(t, time.Minute, o.Timeout)
	assert.Nil(t, o.Debug)
	assert.Empty(t, o.Curl)
}

func TestRunner_RunSingle(t *testing.T) {
	srv := testserver.New(t)
	srv.Enqueue(testserver.Response{
		Header: http.Header{"X-Foo": {"bar"}},
		Body:   []byte("hello"),
	})

	r, stdout, stderr := newRunner(t, &CLI{URLs: []string{srv.URL()}, Include: true})
	require.Equal(t, exitOK, r.run(context.Background()))

	out := stdout.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
	assert.Contains(t, out, "X-Foo: bar\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nhello"), out)
	assert.Empty(t, stderr.String())
}

func TestRunner_RunOutputFile(t *testing.T) {
	srv := testserver.New(t)
	srv.Enqueue(testserver.Response{Body: []byte("saved")})
	path := filepath.Join(t.TempDir(), "out.txt")

	r, stdout, _ := newRunner(t, &CLI{URLs: []string{srv.URL()}, Output: path})
	require.Equal(t, exitOK, r.run(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "saved", string(data))
	assert.Zero(t, stdout.Len())
}

func TestRunner_RunConcurrent(t *testing.T) {
	srv := testserver.New(t)
	srv.Enqueue(
		testserver.Response{Body: []byte("same")},
		testserver.Response{Body: []byte("same")},
		testserver.Response{Body: []byte("same")},
	)

	r, stdout, _ := newRunner(t, &CLI{
		URLs: []string{srv.URL() + "a", srv.URL() + "b", srv.URL() + "c"},
		Data: "x",
	})
	require.Equal(t, exitOK, r.run(context.Background()))

	assert.Equal(t, "samesamesame", stdout.String())
	received := srv.Received()
	require.Len(t, received, 3)
	for _, req := range received {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "x", string(req.Body))
	}
}

func TestRunner_ExitCodes(t *testing.T) {
	t.Run("no url", func(t *testing.T) {
		r, _, stderr := newRunner(t, &CLI{})
		assert.Equal(t, exitUsage, r.run(context.Background()))
		assert.Contains(t, stderr.String(), "no URL specified")
	})

	t.Run("output with several urls", func(t *testing.T) {
		r, _, _ := newRunner(t, &CLI{URLs: []string{"http://a/", "http://b/"}, Output: "out"})
		assert.Equal(t, exitUsage, r.run(context.Background()))
	})

	t.Run("connection refused", func(t *testing.T) {
		r, _, stderr := newRunner(t, &CLI{URLs: []string{"http://127.0.0.1:1/"}})
		assert.Equal(t, int(engine.CouldntConnect), r.run(context.Background()))
		assert.True(t, strings.HasPrefix(stderr.String(), "xfer: cURL error 7: "), stderr.String())
	})

	t.Run("invalid option", func(t *testing.T) {
		r, _, _ := newRunner(t, &CLI{URLs: []string{"http://127.0.0.1:1/"}, CACert: "/does/not/exist"})
		assert.Equal(t, exitUsage, r.run(context.Background()))
	})
}
