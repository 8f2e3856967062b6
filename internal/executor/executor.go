package executor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/proxy-loadgen/internal/pool"
	"github.com/proxy-loadgen/internal/types"
	xproxy "golang.org/x/net/proxy"
)

// userAgents is rotated per request to vary the simulated client.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/86.0.4240.183 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/85.0.4183.121 Safari/537.36",
}

const cookieCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Executor performs single requests through a given proxy and
// classifies the outcome. Each worker owns its own Executor so no
// transport is shared across workers; clients are cached per proxy so
// connections are never pooled across proxies.
type Executor struct {
	timeout time.Duration
	rng     *rand.Rand
	clients map[string]*http.Client
}

// New builds an Executor with the per-request timeout. The seed
// decorrelates header randomization across workers.
func New(timeout time.Duration, seed int64) *Executor {
	return &Executor{
		timeout: timeout,
		rng:     rand.New(rand.NewSource(seed)),
		clients: make(map[string]*http.Client),
	}
}

// Execute performs one GET against targetURL through the endpoint and
// classifies the result. The timeout bounds connect, send and response
// headers; it never mutates shared state.
func (e *Executor) Execute(ctx context.Context, targetURL string, endpoint pool.Endpoint) types.Outcome {
	start := time.Now()
	outcome := types.Outcome{
		Proxy:     endpoint.URL(),
		Timestamp: start,
	}

	client, err := e.client(endpoint)
	if err != nil {
		outcome.Kind = types.ErrorConnect
		outcome.Latency = time.Since(start)
		return outcome
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		// Target URL is validated at startup; treat this as a protocol
		// problem rather than crashing the worker.
		outcome.Kind = types.ErrorProtocol
		outcome.Latency = time.Since(start)
		return outcome
	}

	req.Header.Set("User-Agent", userAgents[e.rng.Intn(len(userAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.AddCookie(e.randomCookie())

	resp, err := client.Do(req)
	if err != nil {
		outcome.Kind = classify(err)
		outcome.Latency = time.Since(start)
		return outcome
	}

	// Drain so the connection is reusable for the same proxy.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	outcome.HTTPStatus = resp.StatusCode
	outcome.Latency = time.Since(start)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome.Kind = types.ErrorNone
	} else {
		outcome.Kind = types.ErrorNon2xx
	}
	return outcome
}

// Close releases idle connections held by cached clients.
func (e *Executor) Close() {
	for _, c := range e.clients {
		if t, ok := c.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

// client returns the cached per-proxy client, building it on first use.
// Cached by full URL so the same host:port under two schemes gets two
// transports.
func (e *Executor) client(endpoint pool.Endpoint) (*http.Client, error) {
	if c, ok := e.clients[endpoint.URL()]; ok {
		return c, nil
	}

	transport, err := e.transport(endpoint)
	if err != nil {
		return nil, err
	}

	c := &http.Client{
		Transport: transport,
		Timeout:   e.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	e.clients[endpoint.URL()] = c
	return c, nil
}

func (e *Executor) transport(endpoint pool.Endpoint) (*http.Transport, error) {
	switch endpoint.Scheme {
	case "socks4", "socks5":
		// x/net/proxy speaks SOCKS5; SOCKS4-only servers that also
		// accept SOCKS5 handshakes work, the rest fail as connect errors.
		dialer, err := xproxy.SOCKS5("tcp", endpoint.Address, nil, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks dialer for %s: %w", endpoint.Address, err)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
			ForceAttemptHTTP2:   false,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: e.timeout,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		}, nil
	default:
		proxyURL, err := url.Parse(endpoint.URL())
		if err != nil {
			return nil, fmt.Errorf("parse proxy URL %s: %w", endpoint.URL(), err)
		}
		return &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
			DialContext: (&net.Dialer{
				Timeout:   e.timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   false,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: e.timeout,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		}, nil
	}
}

func (e *Executor) randomCookie() *http.Cookie {
	return &http.Cookie{
		Name:  "session_id_" + e.randString(6),
		Value: e.randString(16),
	}
}

func (e *Executor) randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = cookieCharset[e.rng.Intn(len(cookieCharset))]
	}
	return string(b)
}

// classify maps a transport error to an error kind. Connection-level
// failures win over timeouts, which win over everything else.
func classify(err error) types.ErrorKind {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return types.ErrorConnect
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrorTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return types.ErrorConnect
	}
	return types.ErrorProtocol
}
