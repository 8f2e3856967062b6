package proxylist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/proxy-loadgen/internal/config"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileParsesFormats(t *testing.T) {
	path := writeTempFile(t, `
1.2.3.4:8080
http://5.6.7.8:3128
socks5://9.9.9.9:1080
socks4://10.10.10.10:1081

# comment line
not a proxy at all
300.300.300.300
`)

	loader := NewLoader(config.ProxiesConfig{File: path, DefaultScheme: "http"})
	endpoints, err := loader.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(endpoints) != 4 {
		t.Fatalf("expected 4 endpoints, got %d", len(endpoints))
	}

	want := map[string]string{
		"1.2.3.4:8080":     "http",
		"5.6.7.8:3128":     "http",
		"9.9.9.9:1080":     "socks5",
		"10.10.10.10:1081": "socks4",
	}
	for _, e := range endpoints {
		scheme, ok := want[e.Address]
		if !ok {
			t.Fatalf("unexpected endpoint %s", e.Address)
		}
		if e.Scheme != scheme {
			t.Fatalf("endpoint %s: expected scheme %s, got %s", e.Address, scheme, e.Scheme)
		}
	}
}

func TestLoadDeduplicates(t *testing.T) {
	path := writeTempFile(t, `
1.2.3.4:8080
1.2.3.4:8080
http://1.2.3.4:8080
socks5://1.2.3.4:8080
`)

	loader := NewLoader(config.ProxiesConfig{File: path, DefaultScheme: "http"})
	endpoints, _, err := loader.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Same address with a different scheme is a distinct proxy identity.
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 unique endpoints, got %d", len(endpoints))
	}
}

func TestLoadFailsOnEmptyResult(t *testing.T) {
	path := writeTempFile(t, "nothing useful here\n")

	loader := NewLoader(config.ProxiesConfig{File: path, DefaultScheme: "http"})
	if _, _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected error for empty proxy set")
	}
}

func TestFetchSourceParsesRemoteList(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.2.3.4:8080\n5.6.7.8:3128\nmalformed\n"))
	}))
	defer ts.Close()

	loader := NewLoader(config.ProxiesConfig{
		DefaultScheme: "http",
		Sources: []config.Source{
			{URL: ts.URL, Enabled: true},
		},
	})

	endpoints, stats, err := loader.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints from source, got %d", len(endpoints))
	}
	if stat := stats[ts.URL]; stat.ProxiesFound != 2 || stat.Error != "" {
		t.Fatalf("unexpected source stats: %+v", stat)
	}
}

func TestFetchSourceDetectsSocksScheme(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.2.3.4:1080\n"))
	}))
	defer ts.Close()

	loader := NewLoader(config.ProxiesConfig{
		DefaultScheme: "http",
		Sources: []config.Source{
			{URL: ts.URL, Scheme: "socks5", Enabled: true},
		},
	})

	endpoints, _, err := loader.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 || endpoints[0].Scheme != "socks5" {
		t.Fatalf("expected 1 socks5 endpoint, got %+v", endpoints)
	}
}

func TestFailedSourceIsNotFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	path := writeTempFile(t, "1.2.3.4:8080\n")
	loader := NewLoader(config.ProxiesConfig{
		File:          path,
		DefaultScheme: "http",
		Sources: []config.Source{
			{URL: ts.URL, Enabled: true},
		},
	})

	endpoints, stats, err := loader.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 {
		t.Fatalf("expected 1 endpoint from file, got %d", len(endpoints))
	}
	if stats[ts.URL].Error == "" {
		t.Fatal("expected source error to be recorded")
	}
}
