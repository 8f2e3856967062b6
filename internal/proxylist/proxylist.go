package proxylist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/proxy-loadgen/internal/config"
	"github.com/proxy-loadgen/internal/pool"
	log "github.com/sirupsen/logrus"
)

var (
	// Matches proxy formats: IP:PORT or http://IP:PORT or socks4://IP:PORT or socks5://IP:PORT
	proxyRegex = regexp.MustCompile(`(?:(socks5|socks4|https?)://)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})`)
)

// SourceStats records the result of fetching one remote source.
type SourceStats struct {
	URL          string
	ProxiesFound int
	Error        string
}

// Loader builds the proxy endpoint set from a local file and any
// configured remote sources. Malformed lines are skipped, never fatal.
type Loader struct {
	cfg    config.ProxiesConfig
	client *http.Client
}

func NewLoader(cfg config.ProxiesConfig) *Loader {
	return &Loader{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Load reads the local file (if present) and all enabled sources,
// deduplicates by address+scheme, and returns the endpoints.
func (l *Loader) Load(ctx context.Context) ([]*pool.Endpoint, map[string]SourceStats, error) {
	var all []*pool.Endpoint

	if l.cfg.File != "" {
		fromFile, err := l.LoadFile(l.cfg.File)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, nil, err
			}
			log.Warnf("Proxy file %s not found, relying on sources", l.cfg.File)
		} else {
			log.Infof("Loaded %d proxies from %s", len(fromFile), l.cfg.File)
			all = append(all, fromFile...)
		}
	}

	fromSources, sourceStats := l.fetchSources(ctx)
	all = append(all, fromSources...)

	unique := deduplicate(all)
	if len(all) != len(unique) {
		log.Infof("Deduplicated: %d -> %d unique proxies", len(all), len(unique))
	}

	if len(unique) == 0 {
		return nil, sourceStats, fmt.Errorf("no proxies loaded")
	}
	return unique, sourceStats, nil
}

// LoadFile parses a local proxy list, one proxy per line. Blank lines,
// comments, and lines the regex cannot match are skipped.
func (l *Loader) LoadFile(path string) ([]*pool.Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	return l.parse(f, l.cfg.DefaultScheme)
}

// fetchSources pulls all enabled remote sources concurrently.
func (l *Loader) fetchSources(ctx context.Context) ([]*pool.Endpoint, map[string]SourceStats) {
	enabled := make([]config.Source, 0)
	for _, s := range l.cfg.Sources {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	stats := make(map[string]SourceStats)
	if len(enabled) == 0 {
		return nil, stats
	}

	log.Infof("Fetching from %d sources", len(enabled))

	var wg sync.WaitGroup
	resultChan := make(chan []*pool.Endpoint, len(enabled))
	statsChan := make(chan SourceStats, len(enabled))

	for _, source := range enabled {
		wg.Add(1)
		go func(src config.Source) {
			defer wg.Done()

			start := time.Now()
			endpoints, err := l.fetchSource(ctx, src)
			duration := time.Since(start)

			stat := SourceStats{
				URL:          src.URL,
				ProxiesFound: len(endpoints),
			}
			if err != nil {
				stat.Error = err.Error()
				log.Warnf("Source %s failed: %v (took %v)", src.URL, err, duration)
			} else {
				log.Infof("Source %s returned %d proxies (took %v)", src.URL, len(endpoints), duration)
			}

			resultChan <- endpoints
			statsChan <- stat
		}(source)
	}

	wg.Wait()
	close(resultChan)
	close(statsChan)

	var all []*pool.Endpoint
	for endpoints := range resultChan {
		all = append(all, endpoints...)
	}
	for stat := range statsChan {
		stats[stat.URL] = stat
	}
	return all, stats
}

func (l *Loader) fetchSource(ctx context.Context, source config.Source) ([]*pool.Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if l.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", l.cfg.UserAgent)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// Limit body read to 10MB
	limitedReader := io.LimitReader(resp.Body, 10*1024*1024)

	scheme := source.Scheme
	if scheme == "" || scheme == "auto" {
		lower := strings.ToLower(source.URL)
		switch {
		case strings.Contains(lower, "socks5"):
			scheme = "socks5"
		case strings.Contains(lower, "socks4"):
			scheme = "socks4"
		default:
			scheme = l.cfg.DefaultScheme
		}
	}

	return l.parse(limitedReader, scheme)
}

func (l *Loader) parse(r io.Reader, defaultScheme string) ([]*pool.Endpoint, error) {
	endpoints := make([]*pool.Endpoint, 0)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		matches := proxyRegex.FindStringSubmatch(line)
		if len(matches) < 4 {
			continue
		}

		scheme := matches[1]
		if scheme == "" {
			scheme = defaultScheme
		}

		endpoints = append(endpoints, &pool.Endpoint{
			Address: fmt.Sprintf("%s:%s", matches[2], matches[3]),
			Scheme:  scheme,
			State:   pool.Healthy,
		})
	}

	if err := scanner.Err(); err != nil {
		return endpoints, fmt.Errorf("scan: %w", err)
	}
	return endpoints, nil
}

func deduplicate(endpoints []*pool.Endpoint) []*pool.Endpoint {
	seen := make(map[string]struct{}, len(endpoints))
	unique := make([]*pool.Endpoint, 0, len(endpoints))

	for _, e := range endpoints {
		key := strings.ToLower(e.Address) + "|" + e.Scheme
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			unique = append(unique, e)
		}
	}
	return unique
}
