// Package revocation keeps a local copy of the revoked credential set in
// sync with a chunked, versioned revocation list server.
package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"hcert/internal/fetch"
	"hcert/internal/revocation/models"
)

// Client talks to the revocation list server.
type Client interface {
	Status(ctx context.Context) (*models.Status, error)
	Chunk(ctx context.Context, version int64, number int) (*models.Chunk, error)
}

// HTTPClient reads GET {base}/status and
// GET {base}/versions/{version}/chunks/{number}.
type HTTPClient struct {
	base    string
	fetcher fetch.Fetcher
}

func NewHTTPClient(baseURL string, fetcher fetch.Fetcher) *HTTPClient {
	return &HTTPClient{base: strings.TrimRight(baseURL, "/"), fetcher: fetcher}
}

func (c *HTTPClient) Status(ctx context.Context) (*models.Status, error) {
	body, err := c.fetcher.Get(ctx, c.base+"/status")
	if err != nil {
		return nil, err
	}
	var st models.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode revocation status: %w", err)
	}
	if st.ChunkCount < 0 {
		return nil, fmt.Errorf("decode revocation status: negative chunk count %d", st.ChunkCount)
	}
	return &st, nil
}

func (c *HTTPClient) Chunk(ctx context.Context, version int64, number int) (*models.Chunk, error) {
	body, err := c.fetcher.Get(ctx, fmt.Sprintf("%s/versions/%d/chunks/%d", c.base, version, number))
	if err != nil {
		return nil, err
	}
	var chunk models.Chunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return nil, fmt.Errorf("decode revocation chunk %d: %w", number, err)
	}
	if chunk.Number == 0 {
		chunk.Number = number
	}
	if chunk.Number != number {
		return nil, fmt.Errorf("decode revocation chunk %d: server returned chunk %d", number, chunk.Number)
	}
	return &chunk, nil
}
