// Package download implements the bottle downloader: GHCR bearer-token
// negotiation, streaming sha256 verification against the blob cache, and
// a parallel wrapper providing bounded concurrency and per-hash
// deduplication.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/zerobrew/zerobrew/internal/blob"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/progress"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// Downloader performs single-request downloads with GHCR bearer-token
// negotiation and blob-cache short-circuiting.
type Downloader struct {
	client *http.Client
	blobs  *blob.Cache
	tokens *tokenCache
	logger log.Logger
}

// New creates a Downloader backed by blobs for staging and committing
// downloaded content.
func New(client *http.Client, blobs *blob.Cache, logger log.Logger) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = log.NewNoop()
	}
	return &Downloader{client: client, blobs: blobs, tokens: newTokenCache(), logger: logger}
}

// Download fetches url, verifying its content against expectedSha256,
// and returns the path of the committed blob. If a blob for
// expectedSha256 already exists, no network request is made.
func (d *Downloader) Download(ctx context.Context, url, expectedSha256, name string, cb progress.Callback) (string, error) {
	if d.blobs.Has(expectedSha256) {
		progress.Emit(cb, progress.Event{Kind: progress.DownloadCompleted, Name: name})
		return d.blobs.Path(expectedSha256), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &zerrors.NetworkFailureError{Message: "build request", Cause: err}
	}

	if prefix, ok := scopePrefix(url); ok {
		if tok, ok := d.tokens.get(prefix); ok {
			req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &zerrors.NetworkFailureError{Message: "request bottle", Cause: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		resp, err = d.retryWithChallenge(ctx, url, resp)
		if err != nil {
			return "", err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &zerrors.NetworkFailureError{Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	return d.streamToBlob(resp, expectedSha256, name, cb)
}

// retryWithChallenge parses the WWW-Authenticate header off a 401
// response, exchanges it for a bearer token, and retries the request.
func (d *Downloader) retryWithChallenge(ctx context.Context, url string, unauthorized *http.Response) (*http.Response, error) {
	wwwAuth := unauthorized.Header.Get("WWW-Authenticate")
	if wwwAuth == "" {
		return nil, &zerrors.NetworkFailureError{Message: "server returned 401 without WWW-Authenticate header (may be rate limited)"}
	}

	token, err := d.fetchBearerToken(ctx, wwwAuth)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &zerrors.NetworkFailureError{Message: "build authenticated request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &zerrors.NetworkFailureError{Message: "authenticated request failed", Cause: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &zerrors.NetworkFailureError{Message: "authentication failed: token was rejected by server"}
	}

	return resp, nil
}

// streamToBlob copies resp.Body into a blob writer while hashing it
// concurrently with the copy, failing with ChecksumMismatchError if the
// digest disagrees with expectedSha256. The partial blob is never
// committed on mismatch.
func (d *Downloader) streamToBlob(resp *http.Response, expectedSha256, name string, cb progress.Callback) (string, error) {
	totalBytes := resp.ContentLength

	progress.Emit(cb, progress.Event{Kind: progress.DownloadStarted, Name: name, TotalBytes: totalBytes})

	writer, err := d.blobs.StartWrite(expectedSha256)
	if err != nil {
		return "", &zerrors.NetworkFailureError{Message: "create blob writer", Cause: err}
	}

	hasher := sha256.New()
	var downloaded int64
	buf := make([]byte, 32*1024)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			downloaded += int64(n)
			hasher.Write(buf[:n])
			if _, writeErr := writer.Write(buf[:n]); writeErr != nil {
				writer.Abort()
				return "", &zerrors.NetworkFailureError{Message: "write chunk", Cause: writeErr}
			}
			progress.Emit(cb, progress.Event{Kind: progress.DownloadProgress, Name: name, Downloaded: downloaded, TotalBytes: totalBytes})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			writer.Abort()
			return "", &zerrors.NetworkFailureError{Message: "read chunk", Cause: readErr}
		}
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != expectedSha256 {
		writer.Abort()
		return "", &zerrors.ChecksumMismatchError{Expected: expectedSha256, Actual: actual}
	}

	path, err := writer.Commit()
	if err != nil {
		return "", &zerrors.NetworkFailureError{Message: "commit blob", Cause: err}
	}

	progress.Emit(cb, progress.Event{Kind: progress.DownloadCompleted, Name: name, TotalBytes: downloaded})
	return path, nil
}
