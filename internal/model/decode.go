package model

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"xfer/internal/engine"
)

// Decode converts a free-form option bag, as found in config files or built
// by dynamic callers, into RequestOptions. Unknown keys are ignored. Values
// of the wrong type fail with ErrInvalidConfiguration.
func Decode(bag map[string]any) (RequestOptions, error) {
	var o RequestOptions
	for key, v := range bag {
		if err := o.set(key, v); err != nil {
			return RequestOptions{}, err
		}
	}
	return o, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

func (o *RequestOptions) set(key string, v any) error {
	var err error
	switch key {
	case "sink":
		o.Sink, err = decodeSink(v)
	case "verify":
		o.Verify, err = decodeVerify(v)
	case "cert":
		o.Cert, err = decodeCertPair(key, v)
	case "ssl_key":
		o.SSLKey, err = decodeCertPair(key, v)
	case "proxy":
		o.Proxy, err = decodeProxy(v)
	case "timeout":
		o.Timeout, err = decodeSeconds(key, v)
	case "connect_timeout":
		o.ConnectTimeout, err = decodeSeconds(key, v)
	case "delay":
		o.Delay, err = decodeSeconds(key, v)
	case "decode_content":
		b, ok := v.(bool)
		if !ok {
			return invalid("decode_content must be a boolean, got %T", v)
		}
		o.DecodeContent = b
	case "on_headers":
		switch fn := v.(type) {
		case HeadersFunc:
			o.OnHeaders = fn
		case func(*http.Response) error:
			o.OnHeaders = fn
		default:
			return invalid("on_headers must be callable")
		}
	case "on_stats":
		switch fn := v.(type) {
		case StatsFunc:
			o.OnStats = fn
		case func(*TransferStats):
			o.OnStats = fn
		default:
			return invalid("on_stats must be callable")
		}
	case "progress":
		switch fn := v.(type) {
		case ProgressFunc:
			o.Progress = fn
		case func(int64, int64, int64, int64):
			o.Progress = fn
		default:
			return invalid("progress client option must be callable")
		}
	case "debug":
		switch d := v.(type) {
		case bool:
			if d {
				o.Debug = os.Stderr
			}
		case io.Writer:
			o.Debug = d
		default:
			return invalid("debug must be a boolean or a writer, got %T", v)
		}
	case "force_ip_resolve":
		s, ok := v.(string)
		if !ok || (s != "v4" && s != "v6" && s != "") {
			return invalid("force_ip_resolve must be \"v4\" or \"v6\", got %v", v)
		}
		o.ForceIPResolve = s
	case "curl":
		switch c := v.(type) {
		case []engine.Override:
			o.Curl = c
		case engine.Override:
			o.Curl = []engine.Override{c}
		default:
			return invalid("curl must be a list of overrides, got %T", v)
		}
	}
	return err
}

func decodeSink(v any) (Sink, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case Sink:
		return s, nil
	case string:
		return SinkFile(s), nil
	case bool:
		if !s {
			return SinkDiscard{}, nil
		}
	case io.Writer:
		return SinkWriter{W: s}, nil
	}
	return nil, invalid("sink must be a file path, a writer or false, got %T", v)
}

func decodeVerify(v any) (Verify, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return VerifyOn, nil
		}
		return VerifyOff, nil
	case string:
		return VerifyPath(x), nil
	case Verify:
		return x, nil
	}
	return Verify{}, invalid("verify must be a boolean or a CA bundle path, got %T", v)
}

func decodeCertPair(key string, v any) (*CertPair, error) {
	switch x := v.(type) {
	case string:
		return &CertPair{Path: x}, nil
	case CertPair:
		return &x, nil
	case *CertPair:
		return x, nil
	case []string:
		return certPairOf(key, toAny(x))
	case []any:
		return certPairOf(key, x)
	}
	return nil, invalid("%s must be a path or a [path, password] pair, got %T", key, v)
}

func certPairOf(key string, pair []any) (*CertPair, error) {
	if len(pair) != 2 {
		return nil, invalid("%s pair must have two elements", key)
	}
	path, ok1 := pair[0].(string)
	pass, ok2 := pair[1].(string)
	if !ok1 || !ok2 {
		return nil, invalid("%s pair must contain strings", key)
	}
	return &CertPair{Path: path, Password: pass}, nil
}

func decodeProxy(v any) (Proxy, error) {
	switch x := v.(type) {
	case string:
		return ProxyURL(x), nil
	case Proxy:
		return x, nil
	case map[string]any:
		p := ProxyByScheme{Schemes: make(map[string]string)}
		for scheme, val := range x {
			if scheme == "no" {
				no, err := stringList(val)
				if err != nil {
					return nil, invalid("proxy.no: %v", err)
				}
				p.No = no
				continue
			}
			s, ok := val.(string)
			if !ok {
				return nil, invalid("proxy.%s must be a string, got %T", scheme, val)
			}
			p.Schemes[scheme] = s
		}
		return p, nil
	case map[string]string:
		p := ProxyByScheme{Schemes: make(map[string]string)}
		for scheme, s := range x {
			p.Schemes[scheme] = s
		}
		return p, nil
	}
	return nil, invalid("proxy must be a URL or a scheme map, got %T", v)
}

func stringList(v any) ([]string, error) {
	switch x := v.(type) {
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}

func decodeSeconds(key string, v any) (time.Duration, error) {
	var secs float64
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case int:
		secs = float64(x)
	case int64:
		secs = float64(x)
	case float64:
		secs = x
	case float32:
		secs = float64(x)
	default:
		return 0, invalid("%s must be a number of seconds, got %T", key, v)
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, invalid("%s must be a non-negative number of seconds", key)
	}
	return time.Duration(math.Round(secs * float64(time.Second))), nil
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
