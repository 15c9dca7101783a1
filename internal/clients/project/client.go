// Package project is the adapter to the external persistent store
// holding scenes, projects and object-type sources.
package project

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/arserver/arserver/internal/objecttypes"
	v1 "github.com/arserver/arserver/pkg/api/v1"
)

// Client is the interface to the persistent store.
type Client interface {
	objecttypes.Source

	ListScenes(ctx context.Context) ([]v1.IdDesc, error)
	GetScene(ctx context.Context, id string) (*v1.Scene, error)
	// PutScene persists a scene and returns the store's modified stamp.
	PutScene(ctx context.Context, scene *v1.Scene) (time.Time, error)
	DeleteScene(ctx context.Context, id string) error

	ListProjects(ctx context.Context) ([]v1.IdDesc, error)
	GetProject(ctx context.Context, id string) (*v1.Project, error)
	PutProject(ctx context.Context, project *v1.Project) (time.Time, error)
	DeleteProject(ctx context.Context, id string) error

	PutObjectType(ctx context.Context, rec objecttypes.SourceRecord) error
	PutObjectTypeModel(ctx context.Context, name string, model *v1.CollisionModel) error
	DeleteObjectType(ctx context.Context, name string) error
}

// HTTPClient talks to the store's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a store client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *HTTPClient) ListScenes(ctx context.Context) ([]v1.IdDesc, error) {
	var out struct {
		Items []v1.IdDesc `json:"items"`
	}
	if err := c.get(ctx, "/scenes", &out); err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	return out.Items, nil
}

func (c *HTTPClient) GetScene(ctx context.Context, id string) (*v1.Scene, error) {
	var scene v1.Scene
	if err := c.get(ctx, "/scene/"+url.PathEscape(id), &scene); err != nil {
		return nil, fmt.Errorf("get scene %s: %w", id, err)
	}
	return &scene, nil
}

func (c *HTTPClient) PutScene(ctx context.Context, scene *v1.Scene) (time.Time, error) {
	var out struct {
		Modified time.Time `json:"modified"`
	}
	if err := c.put(ctx, "/scene", scene, &out); err != nil {
		return time.Time{}, fmt.Errorf("put scene %s: %w", scene.ID, err)
	}
	return out.Modified, nil
}

func (c *HTTPClient) DeleteScene(ctx context.Context, id string) error {
	if err := c.delete(ctx, "/scene/"+url.PathEscape(id)); err != nil {
		return fmt.Errorf("delete scene %s: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) ListProjects(ctx context.Context) ([]v1.IdDesc, error) {
	var out struct {
		Items []v1.IdDesc `json:"items"`
	}
	if err := c.get(ctx, "/projects", &out); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out.Items, nil
}

func (c *HTTPClient) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	var project v1.Project
	if err := c.get(ctx, "/project/"+url.PathEscape(id), &project); err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &project, nil
}

func (c *HTTPClient) PutProject(ctx context.Context, project *v1.Project) (time.Time, error) {
	var out struct {
		Modified time.Time `json:"modified"`
	}
	if err := c.put(ctx, "/project", project, &out); err != nil {
		return time.Time{}, fmt.Errorf("put project %s: %w", project.ID, err)
	}
	return out.Modified, nil
}

func (c *HTTPClient) DeleteProject(ctx context.Context, id string) error {
	if err := c.delete(ctx, "/project/"+url.PathEscape(id)); err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) ListObjectTypeSources(ctx context.Context) ([]objecttypes.SourceRecord, error) {
	var out struct {
		Items []struct {
			Name     string             `json:"name"`
			Source   string             `json:"source"`
			Model    *v1.CollisionModel `json:"model,omitempty"`
			Modified string             `json:"modified,omitempty"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/object_types", &out); err != nil {
		return nil, fmt.Errorf("list object types: %w", err)
	}
	records := make([]objecttypes.SourceRecord, len(out.Items))
	for i, item := range out.Items {
		records[i] = objecttypes.SourceRecord{
			Name:     item.Name,
			Source:   item.Source,
			Model:    item.Model,
			Modified: item.Modified,
		}
	}
	return records, nil
}

func (c *HTTPClient) PutObjectType(ctx context.Context, rec objecttypes.SourceRecord) error {
	body := map[string]interface{}{
		"name":   rec.Name,
		"source": rec.Source,
	}
	if rec.Model != nil {
		body["model"] = rec.Model
	}
	if err := c.put(ctx, "/object_type", body, nil); err != nil {
		return fmt.Errorf("put object type %s: %w", rec.Name, err)
	}
	return nil
}

func (c *HTTPClient) PutObjectTypeModel(ctx context.Context, name string, model *v1.CollisionModel) error {
	if err := c.put(ctx, "/object_type/"+url.PathEscape(name)+"/model", model, nil); err != nil {
		return fmt.Errorf("put object type model %s: %w", name, err)
	}
	return nil
}

func (c *HTTPClient) DeleteObjectType(ctx context.Context, name string) error {
	if err := c.delete(ctx, "/object_type/"+url.PathEscape(name)); err != nil {
		return fmt.Errorf("delete object type %s: %w", name, err)
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, endpoint string, result interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, result)
}

func (c *HTTPClient) put(ctx context.Context, endpoint string, body, result interface{}) error {
	return c.do(ctx, http.MethodPut, endpoint, body, result)
}

func (c *HTTPClient) delete(ctx context.Context, endpoint string) error {
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("store %s returned %d: %s", endpoint, resp.StatusCode, string(raw))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
