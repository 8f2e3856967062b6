package executor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/proxy-loadgen/internal/pool"
	"github.com/proxy-loadgen/internal/types"
)

// proxyEndpoint points the executor at a test server acting as an HTTP
// forward proxy. For plain-http targets the client sends the full
// request to the proxy, so a regular httptest handler can answer it.
func proxyEndpoint(ts *httptest.Server) pool.Endpoint {
	return pool.Endpoint{
		Address: strings.TrimPrefix(ts.URL, "http://"),
		Scheme:  "http",
		State:   pool.Healthy,
	}
}

func TestExecuteClassifies2xxAsNone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	exec := New(2*time.Second, 1)
	defer exec.Close()

	endpoint := proxyEndpoint(ts)
	outcome := exec.Execute(context.Background(), "http://target.test/", endpoint)
	if outcome.Kind != types.ErrorNone {
		t.Fatalf("expected none, got %s", outcome.Kind)
	}
	if outcome.HTTPStatus != http.StatusOK {
		t.Fatalf("expected status 200, got %d", outcome.HTTPStatus)
	}
	if outcome.Latency <= 0 {
		t.Fatal("expected positive latency")
	}
	if outcome.Proxy != endpoint.URL() {
		t.Fatalf("outcome must carry the full proxy URL, got %q", outcome.Proxy)
	}
}

func TestExecuteClassifiesServerErrorAsNon2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	exec := New(2*time.Second, 1)
	defer exec.Close()

	outcome := exec.Execute(context.Background(), "http://target.test/", proxyEndpoint(ts))
	if outcome.Kind != types.ErrorNon2xx {
		t.Fatalf("expected non_2xx, got %s", outcome.Kind)
	}
	if outcome.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", outcome.HTTPStatus)
	}
}

func TestExecuteClassifiesUnreachableProxyAsConnectFailure(t *testing.T) {
	// Grab a port that is guaranteed closed.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	exec := New(2*time.Second, 1)
	defer exec.Close()

	endpoint := pool.Endpoint{Address: addr, Scheme: "http", State: pool.Healthy}
	outcome := exec.Execute(context.Background(), "http://target.test/", endpoint)
	if outcome.Kind != types.ErrorConnect {
		t.Fatalf("expected connect_failure, got %s", outcome.Kind)
	}
}

func TestExecuteClassifiesSlowProxyAsTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Longer than the executor timeout, short enough that Close
		// does not hang waiting for the handler.
		time.Sleep(1 * time.Second)
	}))
	defer ts.Close()

	exec := New(200*time.Millisecond, 1)
	defer exec.Close()

	start := time.Now()
	outcome := exec.Execute(context.Background(), "http://target.test/", proxyEndpoint(ts))
	if outcome.Kind != types.ErrorTimeout {
		t.Fatalf("expected timeout, got %s", outcome.Kind)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("executor blocked past its timeout: %v", elapsed)
	}
}

func TestExecuteSendsRotatedHeaders(t *testing.T) {
	var gotUA string
	var gotCookies []*http.Cookie
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCookies = r.Cookies()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	exec := New(2*time.Second, 42)
	defer exec.Close()

	outcome := exec.Execute(context.Background(), "http://target.test/", proxyEndpoint(ts))
	if outcome.Kind != types.ErrorNone {
		t.Fatalf("expected none, got %s", outcome.Kind)
	}
	if gotUA == "" {
		t.Fatal("expected a User-Agent header")
	}
	if len(gotCookies) != 1 || !strings.HasPrefix(gotCookies[0].Name, "session_id_") {
		t.Fatalf("expected one session cookie, got %v", gotCookies)
	}
	if len(gotCookies[0].Value) != 16 {
		t.Fatalf("expected 16-char cookie value, got %q", gotCookies[0].Value)
	}
}

func TestClientCachedPerProxy(t *testing.T) {
	exec := New(time.Second, 1)
	defer exec.Close()

	a := pool.Endpoint{Address: "1.1.1.1:8080", Scheme: "http"}
	b := pool.Endpoint{Address: "2.2.2.2:8080", Scheme: "http"}
	c := pool.Endpoint{Address: "1.1.1.1:8080", Scheme: "socks5"}

	ca1, err := exec.client(a)
	if err != nil {
		t.Fatal(err)
	}
	ca2, err := exec.client(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := exec.client(b)
	if err != nil {
		t.Fatal(err)
	}
	cc, err := exec.client(c)
	if err != nil {
		t.Fatal(err)
	}

	if ca1 != ca2 {
		t.Fatal("same proxy must reuse the same client")
	}
	if ca1 == cb {
		t.Fatal("different proxies must never share a client")
	}
	if ca1 == cc {
		t.Fatal("same address under a different scheme must not share a client")
	}
}
