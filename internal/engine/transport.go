package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/http2"
)

// transportCacheSize bounds how many distinct connection profiles one
// engine keeps warm.
const transportCacheSize = 4

// roundTripper is implemented by both *http.Transport and *http2.Transport.
type roundTripper interface {
	http.RoundTripper
	CloseIdleConnections()
}

// profile is everything that decides whether a cached connection can be
// reused for a transfer.
type profile struct {
	h2c            bool
	http2          bool
	proxy          string
	connectTimeout time.Duration
	ipResolve      IPResolve
	verifyPeer     bool
	verifyHost     int
	caInfo         string
	caPath         string
	sslCert        string
	sslCertPasswd  string
	sslKey         string
	sslKeyPasswd   string
}

func profileOf(o *Options, u *url.URL) profile {
	h2 := o.HTTPVersion == HTTPVersion2
	return profile{
		h2c:            h2 && strings.EqualFold(u.Scheme, "http"),
		http2:          h2,
		proxy:          o.Proxy,
		connectTimeout: o.ConnectTimeout,
		ipResolve:      o.IPResolve,
		verifyPeer:     o.SSLVerifyPeer,
		verifyHost:     o.SSLVerifyHost,
		caInfo:         o.CAInfo,
		caPath:         o.CAPath,
		sslCert:        o.SSLCert,
		sslCertPasswd:  o.SSLCertPasswd,
		sslKey:         o.SSLKey,
		sslKeyPasswd:   o.SSLKeyPasswd,
	}
}

func newTransportCache() *lru.Cache[profile, roundTripper] {
	c, err := lru.NewWithEvict(transportCacheSize, func(_ profile, rt roundTripper) {
		rt.CloseIdleConnections()
	})
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return c
}

// transportError carries the errno a transport setup failure maps to.
type transportError struct {
	code Errno
	err  error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// transport returns the cached round tripper for the profile of o, building
// one when none exists yet.
func (e *Engine) transport(o *Options, u *url.URL) (roundTripper, error) {
	p := profileOf(o, u)
	if rt, ok := e.transports.Get(p); ok {
		return rt, nil
	}
	rt, err := buildTransport(p)
	if err != nil {
		return nil, err
	}
	e.transports.Add(p, rt)
	return rt, nil
}

func buildTransport(p profile) (roundTripper, error) {
	dialer := &net.Dialer{
		Timeout:   p.connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		switch p.ipResolve {
		case IPResolveV4:
			network = "tcp4"
		case IPResolveV6:
			network = "tcp6"
		}
		return dialer.DialContext(ctx, network, addr)
	}

	if p.h2c {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dial(ctx, network, addr)
			},
		}, nil
	}

	tlsCfg, err := tlsConfig(p)
	if err != nil {
		return nil, err
	}

	t := &http.Transport{
		DialContext:           dial,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   p.connectTimeout,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Decoding is driven by Options.Encoding, never by the transport.
		DisableCompression: true,
	}
	if p.proxy != "" {
		proxyURL, err := parseProxy(p.proxy)
		if err != nil {
			return nil, &transportError{code: CouldntResolveProxy, err: err}
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	if p.http2 {
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, &transportError{code: SSLConnectError, err: fmt.Errorf("configure http2: %w", err)}
		}
	}
	return t, nil
}

func parseProxy(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy %q has no host", raw)
	}
	return u, nil
}

func tlsConfig(p profile) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if p.caInfo != "" || p.caPath != "" {
		pool, err := loadCAs(p.caInfo, p.caPath)
		if err != nil {
			return nil, &transportError{code: SSLCACertBadFile, err: err}
		}
		cfg.RootCAs = pool
	}

	switch {
	case !p.verifyPeer:
		cfg.InsecureSkipVerify = true //nolint:gosec // verification disabled on request
	case p.verifyHost == 0:
		// Verify the chain but not the host name.
		cfg.InsecureSkipVerify = true //nolint:gosec // chain verified below
		roots := cfg.RootCAs
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs, roots)
		}
	}

	if p.sslCert != "" {
		cert, err := loadClientCert(p.sslCert, p.sslCertPasswd, p.sslKey, p.sslKeyPasswd)
		if err != nil {
			return nil, &transportError{code: SSLCertProblem, err: err}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("no peer certificates")
	}
	inter := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		inter.AddCert(c)
	}
	_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: inter})
	return err
}

func loadCAs(file, dir string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	var files []string
	if file != "" {
		files = append(files, file)
	}
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read CA path %s: %w", dir, err)
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				files = append(files, filepath.Join(dir, ent.Name()))
			}
		}
	}
	added := false
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", f, err)
		}
		if pool.AppendCertsFromPEM(data) {
			added = true
		}
	}
	if !added {
		return nil, errors.New("no CA certificates found")
	}
	return pool, nil
}

// loadClientCert loads a PEM client certificate. The key comes from keyFile
// when set, otherwise from the certificate file itself.
func loadClientCert(certFile, certPass, keyFile, keyPass string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate %s: %w", certFile, err)
	}
	keySrc, pass := certPEM, certPass
	if keyFile != "" {
		keySrc, err = os.ReadFile(keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("read private key %s: %w", keyFile, err)
		}
		pass = keyPass
	}
	keyPEM, err := decryptKey(keySrc, pass)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}
	return cert, nil
}

// decryptKey returns the first private key block of data, decrypted with
// pass when it is a legacy encrypted PEM block.
func decryptKey(data []byte, pass string) ([]byte, error) {
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return data, nil
		}
		if !strings.Contains(block.Type, "PRIVATE KEY") {
			continue
		}
		//nolint:staticcheck // legacy PEM encryption is what passphrase keys use
		if pass == "" || !x509.IsEncryptedPEMBlock(block) {
			return pem.EncodeToMemory(block), nil
		}
		//nolint:staticcheck // see above
		der, err := x509.DecryptPEMBlock(block, []byte(pass))
		if err != nil {
			return nil, fmt.Errorf("decrypt private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
	}
}
