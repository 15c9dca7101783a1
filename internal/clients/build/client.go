// Package build is the adapter to the external build service turning a
// saved project into a runnable package archive.
package build

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the interface to the build service.
type Client interface {
	// Build produces the package zip archive for a saved project.
	Build(ctx context.Context, projectID, packageName string) ([]byte, error)
}

// HTTPClient talks to the build service's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a build service client for the given base URL.
// Builds can take a while, so the timeout is generous.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

func (c *HTTPClient) Build(ctx context.Context, projectID, packageName string) ([]byte, error) {
	q := url.Values{}
	q.Set("project_id", projectID)
	q.Set("package_name", packageName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/project/publish?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/zip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("build service returned %d: %s", resp.StatusCode, string(raw))
	}
	archive, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading package archive: %w", err)
	}
	return archive, nil
}
