// Package scene is the adapter to the external scene simulation
// service: collision model registration, simulation lifecycle and
// camera calibration.
package scene

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

// Client is the interface to the scene service.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Started(ctx context.Context) (bool, error)
	ClearCollisions(ctx context.Context) error
	RegisterModel(ctx context.Context, objectID string, model *v1.CollisionModel, pose *v1.Pose) error
	DeleteModel(ctx context.Context, objectID string) error

	EstimateCameraPose(ctx context.Context, params v1.CameraParameters, image []byte) (*v1.Pose, error)
	MarkersCorners(ctx context.Context, params v1.CameraParameters, image []byte) ([]v1.Position, error)
}

// HTTPClient talks to the scene service's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a scene service client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *HTTPClient) Start(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPut, "/system/start", nil, nil); err != nil {
		return fmt.Errorf("simulation start: %w", err)
	}
	return nil
}

func (c *HTTPClient) Stop(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPut, "/system/stop", nil, nil); err != nil {
		return fmt.Errorf("simulation stop: %w", err)
	}
	return nil
}

func (c *HTTPClient) Started(ctx context.Context) (bool, error) {
	var started bool
	if err := c.do(ctx, http.MethodGet, "/system/running", nil, &started); err != nil {
		return false, fmt.Errorf("simulation state: %w", err)
	}
	return started, nil
}

func (c *HTTPClient) ClearCollisions(ctx context.Context) error {
	if err := c.do(ctx, http.MethodDelete, "/collisions", nil, nil); err != nil {
		return fmt.Errorf("clear collisions: %w", err)
	}
	return nil
}

// RegisterModel uploads one collision primitive under the object's id.
// The endpoint is shape-specific, mirroring the service API.
func (c *HTTPClient) RegisterModel(ctx context.Context, objectID string, model *v1.CollisionModel, pose *v1.Pose) error {
	if model == nil {
		return errors.New("missing collision model")
	}
	body := struct {
		ID   string   `json:"id"`
		Pose *v1.Pose `json:"pose,omitempty"`
		*v1.CollisionModel
	}{ID: objectID, Pose: pose, CollisionModel: model}

	endpoint := "/collisions/" + string(model.Type)
	if err := c.do(ctx, http.MethodPut, endpoint, body, nil); err != nil {
		return fmt.Errorf("register %s model for %s: %w", model.Type, objectID, err)
	}
	return nil
}

func (c *HTTPClient) DeleteModel(ctx context.Context, objectID string) error {
	if err := c.do(ctx, http.MethodDelete, "/collisions/"+url.PathEscape(objectID), nil, nil); err != nil {
		return fmt.Errorf("delete model for %s: %w", objectID, err)
	}
	return nil
}

func (c *HTTPClient) EstimateCameraPose(ctx context.Context, params v1.CameraParameters, image []byte) (*v1.Pose, error) {
	var pose v1.Pose
	if err := c.doImage(ctx, "/utils/pose", params, image, &pose); err != nil {
		return nil, fmt.Errorf("estimate camera pose: %w", err)
	}
	return &pose, nil
}

func (c *HTTPClient) MarkersCorners(ctx context.Context, params v1.CameraParameters, image []byte) ([]v1.Position, error) {
	var corners []v1.Position
	if err := c.doImage(ctx, "/utils/markers", params, image, &corners); err != nil {
		return nil, fmt.Errorf("markers corners: %w", err)
	}
	return corners, nil
}

// doImage posts a camera image with the intrinsics passed as query
// parameters, the way the calibration endpoints expect them.
func (c *HTTPClient) doImage(ctx context.Context, endpoint string, params v1.CameraParameters, image []byte, result interface{}) error {
	q := url.Values{}
	q.Set("fx", fmt.Sprint(params.Fx))
	q.Set("fy", fmt.Sprint(params.Fy))
	q.Set("cx", fmt.Sprint(params.Cx))
	q.Set("cy", fmt.Sprint(params.Cy))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+endpoint+"?"+q.Encode(), bytes.NewReader(image))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("scene service %s returned %d: %s", endpoint, resp.StatusCode, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(result)
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
		return fmt.Errorf("scene service %s returned %d: %s", endpoint, resp.StatusCode, string(raw))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
