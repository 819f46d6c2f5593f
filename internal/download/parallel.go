package download

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/zerobrew/zerobrew/internal/progress"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// Request is one bottle to download.
type Request struct {
	URL    string
	Sha256 string
	Name   string
}

// Result is a completed download, tagged with the requester's original
// index so a streaming consumer can re-associate out-of-order completions
// with their request.
type Result struct {
	Name     string
	Sha256   string
	BlobPath string
	Index    int
}

// inflight tracks a single in-progress download for a sha256 so that
// concurrent requesters for the same hash share one network fetch.
type inflight struct {
	done chan struct{}
	path string
	err  error
}

// ParallelDownloader bounds concurrent downloads with a semaphore and
// deduplicates concurrent requests for the same sha256 so at most one
// network fetch for a given hash is ever in flight.
type ParallelDownloader struct {
	downloader *Downloader
	sem        *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*inflight
}

// NewParallel wraps downloader with a concurrency-bounded, deduplicating
// front end. concurrency caps simultaneous network downloads (spec
// default: 8).
func NewParallel(downloader *Downloader, concurrency int64) *ParallelDownloader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ParallelDownloader{
		downloader: downloader,
		sem:        semaphore.NewWeighted(concurrency),
		inflight:   make(map[string]*inflight),
	}
}

// downloadDedup performs req's download, sharing in-flight work with any
// other concurrent caller requesting the same sha256. Exactly one network
// fetch happens per sha256 among callers racing on downloadDedup at the
// same time; a caller that arrives after a prior fetch finished starts
// fresh (the map entry is removed on completion).
func (p *ParallelDownloader) downloadDedup(ctx context.Context, req Request, cb progress.Callback) (string, error) {
	p.mu.Lock()
	if existing, ok := p.inflight[req.Sha256]; ok {
		p.mu.Unlock()
		select {
		case <-existing.done:
			return existing.path, existing.err
		case <-ctx.Done():
			return "", &zerrors.NetworkFailureError{Message: "context canceled waiting for in-flight download", Cause: ctx.Err()}
		}
	}
	entry := &inflight{done: make(chan struct{})}
	p.inflight[req.Sha256] = entry
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		entry.err = &zerrors.NetworkFailureError{Message: "semaphore acquire", Cause: err}
		p.finish(req.Sha256, entry)
		return "", entry.err
	}
	defer p.sem.Release(1)

	path, err := p.downloader.Download(ctx, req.URL, req.Sha256, req.Name, cb)
	entry.path, entry.err = path, err
	p.finish(req.Sha256, entry)
	return path, err
}

func (p *ParallelDownloader) finish(sha256 string, entry *inflight) {
	p.mu.Lock()
	delete(p.inflight, sha256)
	p.mu.Unlock()
	close(entry.done)
}

// DownloadAll downloads every request and returns their blob paths in
// request order, or the first error encountered (other in-flight
// downloads are allowed to drain; their results are discarded).
func (p *ParallelDownloader) DownloadAll(ctx context.Context, requests []Request, cb progress.Callback) ([]string, error) {
	type indexed struct {
		index int
		path  string
		err   error
	}
	results := make(chan indexed, len(requests))

	for i, req := range requests {
		i, req := i, req
		go func() {
			path, err := p.downloadDedup(ctx, req, cb)
			results <- indexed{index: i, path: path, err: err}
		}()
	}

	paths := make([]string, len(requests))
	var firstErr error
	for range requests {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		paths[r.index] = r.path
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return paths, nil
}

// DownloadStreaming starts every request immediately and sends a Result
// (or error) to the returned channel as soon as each completes, in
// completion order rather than request order. The channel is closed after
// every request has been reported.
func (p *ParallelDownloader) DownloadStreaming(ctx context.Context, requests []Request, cb progress.Callback) <-chan StreamResult {
	out := make(chan StreamResult, max(1, len(requests)))

	var wg sync.WaitGroup
	for i, req := range requests {
		i, req := i, req
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := p.downloadDedup(ctx, req, cb)
			if err != nil {
				out <- StreamResult{Err: err, Index: i}
				return
			}
			out <- StreamResult{Result: Result{Name: req.Name, Sha256: req.Sha256, BlobPath: path, Index: i}}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// StreamResult is one item delivered by DownloadStreaming: either a
// completed Result or an Err tagged with the failed request's Index.
type StreamResult struct {
	Result Result
	Err    error
	Index  int
}
