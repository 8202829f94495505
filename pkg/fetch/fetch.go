// Copyright 2025-2026 Aiku AI

// Package fetch downloads public-web content (avatars, relayed images) for
// re-upload into the Matrix content store.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/aiku/matrix-puppet-bridge/pkg/puppet"
)

// DefaultMaxSize caps downloads at 50 MiB, matching the upper end of common
// homeserver upload limits.
const DefaultMaxSize = 50 * 1024 * 1024

// HTTPFetcher implements puppet.ContentFetcher over net/http.
type HTTPFetcher struct {
	client  *http.Client
	maxSize int64

	// AuthHeader, when set, is sent as the Authorization header. Slack
	// file URLs need a bearer token.
	AuthHeader string
}

var _ puppet.ContentFetcher = (*HTTPFetcher)(nil)

// New returns a fetcher with a 30 second timeout and the default size cap.
func New() *HTTPFetcher {
	return &HTTPFetcher{
		client:  &http.Client{Timeout: 30 * time.Second},
		maxSize: DefaultMaxSize,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*puppet.FetchedContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	if f.AuthHeader != "" {
		req.Header.Set("Authorization", f.AuthHeader)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", url, err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%s exceeds the %d byte download limit", url, f.maxSize)
	}

	return &puppet.FetchedContent{
		Data:        data,
		ContentType: contentType(resp.Header.Get("Content-Type"), data),
	}, nil
}

// contentType prefers the declared media type and falls back to sniffing
// the payload. Servers that send octet-stream for images are common enough
// that the declared type is only trusted when it is specific.
func contentType(declared string, data []byte) string {
	if declared != "" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
			return mediaType
		}
	}
	return http.DetectContentType(data)
}
