package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quarrystor/quarry/pkg/types"
)

// Client talks to a quarry node's admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:7460".
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// do issues one request and decodes the JSON reply into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type createVolumeRequest struct {
	Name      string `json:"name"`
	SizeBytes uint64 `json:"size_bytes"`
	PageSize  uint32 `json:"page_size,omitempty"`
}

type createVolumeResponse struct {
	ID types.VolumeID `json:"id"`
}

// CreateVolume creates a volume and returns its identifier.
func (c *Client) CreateVolume(ctx context.Context, name string, sizeBytes uint64, pageSize uint32) (types.VolumeID, error) {
	var resp createVolumeResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/volumes", createVolumeRequest{
		Name:      name,
		SizeBytes: sizeBytes,
		PageSize:  pageSize,
	}, &resp)
	return resp.ID, err
}

// RemoveVolume destroys a volume.
func (c *Client) RemoveVolume(ctx context.Context, id types.VolumeID) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/volumes/"+id.String(), nil, nil)
}

// ListVolumes returns every volume's info.
func (c *Client) ListVolumes(ctx context.Context) ([]types.VolumeInfo, error) {
	var out []types.VolumeInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/volumes", nil, &out)
	return out, err
}

// GetVolume returns one volume's info.
func (c *Client) GetVolume(ctx context.Context, id types.VolumeID) (types.VolumeInfo, error) {
	var out types.VolumeInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/volumes/"+id.String(), nil, &out)
	return out, err
}

// VolumeStats returns one volume's usage counters.
func (c *Client) VolumeStats(ctx context.Context, id types.VolumeID) (types.VolumeStats, error) {
	var out types.VolumeStats
	err := c.do(ctx, http.MethodGet, "/api/v1/volumes/"+id.String()+"/stats", nil, &out)
	return out, err
}

// Status returns service-wide stats.
func (c *Client) Status(ctx context.Context) (types.ServiceStats, error) {
	var out types.ServiceStats
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

// Shutdown asks the node to start draining.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/shutdown", nil, nil)
}

// Health checks liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
