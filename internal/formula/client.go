package formula

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

const (
	defaultBaseURL = "https://formulae.brew.sh/api/formula"
	userAgent      = "zerobrew/0.1"

	// inMemoryCacheSize bounds the hot set of conditional-cache entries
	// held in memory; the on-disk cache itself is unbounded, matching
	// spec.md's "maintains a conditional-request cache keyed by URL".
	inMemoryCacheSize = 256
)

// cacheEntry is the conditional-request cache record for one URL.
type cacheEntry struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	Body         string `json:"body"`
}

// Client fetches Formula metadata with conditional-request caching.
type Client struct {
	baseURL  string
	client   *http.Client
	cacheDir string
	mem      *lru.Cache
	logger   log.Logger
}

// New creates a Client. cacheDir, if non-empty, is used for the
// persistent conditional-request cache; pass "" to disable on-disk
// caching (the in-memory hot set still applies for the process
// lifetime).
func New(baseURL, cacheDir string, httpClient *http.Client, logger log.Logger) (*Client, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = log.NewNoop()
	}
	mem, err := lru.New(inMemoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create in-memory cache: %w", err)
	}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create formula cache dir: %w", err)
		}
	}
	return &Client{baseURL: baseURL, client: httpClient, cacheDir: cacheDir, mem: mem, logger: logger}, nil
}

func (c *Client) url(name string) string {
	return fmt.Sprintf("%s/%s.json", c.baseURL, name)
}

// cachePath returns the sidecar metadata path for a formula name, sharded
// by first letter the way the teacher's registry cache shards recipe
// files.
func (c *Client) cachePath(name string) string {
	shard := "_"
	if len(name) > 0 {
		shard = strings.ToLower(name[:1])
	}
	return filepath.Join(c.cacheDir, shard, name+".cache.json")
}

func (c *Client) loadCacheEntry(name, url string) (*cacheEntry, bool) {
	if v, ok := c.mem.Get(url); ok {
		return v.(*cacheEntry), true
	}
	if c.cacheDir == "" {
		return nil, false
	}
	data, err := os.ReadFile(c.cachePath(name))
	if err != nil {
		return nil, false
	}
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false
	}
	c.mem.Add(url, &e)
	return &e, true
}

func (c *Client) storeCacheEntry(name, url string, e *cacheEntry) {
	c.mem.Add(url, e)
	if c.cacheDir == "" {
		return
	}
	path := c.cachePath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, path)
}

// GetFormula fetches a single formula by name, using conditional-request
// caching so an unchanged formula costs only a round trip, not a full
// body transfer.
func (c *Client) GetFormula(ctx context.Context, name string) (*Formula, error) {
	url := c.url(name)
	cached, hasCached := c.loadCacheEntry(name, url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &zerrors.NetworkFailureError{Message: "build request", Cause: err}
	}
	req.Header.Set("User-Agent", userAgent)
	if hasCached {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &zerrors.NetworkFailureError{Message: "request formula", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hasCached {
		var f Formula
		if err := json.Unmarshal([]byte(cached.Body), &f); err != nil {
			return nil, &zerrors.NetworkFailureError{Message: "parse cached formula JSON", Cause: err}
		}
		return &f, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &zerrors.MissingFormulaError{Name: name}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &zerrors.NetworkFailureError{Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &zerrors.NetworkFailureError{Message: "read response body", Cause: err}
	}

	var f Formula
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, &zerrors.NetworkFailureError{Message: "parse formula JSON", Cause: err}
	}

	c.storeCacheEntry(name, url, &cacheEntry{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         string(body),
	})

	return &f, nil
}
