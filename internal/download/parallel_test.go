package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerobrew/zerobrew/internal/blob"
)

func TestSameBlobRequestedConcurrentlyFetchesOnce(t *testing.T) {
	content := []byte("shared content")
	sha := sha256Hex(content)

	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		w.Write(content)
	}))
	defer srv.Close()

	blobs, err := blob.New(t.TempDir(), nil)
	require.NoError(t, err)
	d := New(nil, blobs, nil)
	p := NewParallel(d, 8)

	req := Request{URL: srv.URL + "/shared.tar.gz", Sha256: sha, Name: "shared"}

	var wg sync.WaitGroup
	results := make([]string, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path, err := p.downloadDedup(context.Background(), req, nil)
			results[i], errs[i] = path, err
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, blobs.Path(sha), results[i])
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPeakConcurrentDownloadsWithinLimit(t *testing.T) {
	const concurrencyLimit = 3
	var current, peak int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		w.Write([]byte(r.URL.Query().Get("body")))
	}))
	defer srv.Close()

	blobs, err := blob.New(t.TempDir(), nil)
	require.NoError(t, err)
	d := New(nil, blobs, nil)
	p := NewParallel(d, concurrencyLimit)

	requests := make([]Request, 10)
	for i := range requests {
		content := []byte{byte('a' + i)}
		requests[i] = Request{URL: srv.URL + "?body=" + string(content), Sha256: sha256Hex(content), Name: "x"}
	}

	paths, err := p.DownloadAll(context.Background(), requests, nil)
	require.NoError(t, err)
	require.Len(t, paths, len(requests))
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(concurrencyLimit))
}

func TestDownloadStreamingDeliversEveryResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("streamed"))
	}))
	defer srv.Close()

	sha := sha256Hex([]byte("streamed"))
	blobs, err := blob.New(t.TempDir(), nil)
	require.NoError(t, err)
	d := New(nil, blobs, nil)
	p := NewParallel(d, 4)

	requests := []Request{
		{URL: srv.URL, Sha256: sha, Name: "a"},
		{URL: srv.URL, Sha256: sha, Name: "b"},
		{URL: srv.URL, Sha256: sha, Name: "c"},
	}

	seen := 0
	for r := range p.DownloadStreaming(context.Background(), requests, nil) {
		require.NoError(t, r.Err)
		require.Equal(t, blobs.Path(sha), r.Result.BlobPath)
		seen++
	}
	require.Equal(t, len(requests), seen)
}
