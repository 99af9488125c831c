package clients

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// ScalerClient worker scaler endpoint client
type ScalerClient struct {
	url    string
	apiKey string
	client *http.Client
}

// ScalerStatus GET /workers response
type ScalerStatus struct {
	Desired int `json:"desired"`
	Current int `json:"current"`
	Pending int `json:"pending"`
}

// NewScalerClient create a client for {baseURL}/workers
func NewScalerClient(baseURL, apiKey string) *ScalerClient {
	return &ScalerClient{
		url:    strings.TrimRight(baseURL, "/") + "/workers",
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ScalerClient) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"x-api-key": c.apiKey}
}

// Status current worker counts
func (c *ScalerClient) Status(ctx context.Context) (*ScalerStatus, error) {
	var status ScalerStatus
	if err := doJSON(ctx, c.client, http.MethodGet, c.url, c.headers(), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SetDesired request n workers; the body is the bare number
func (c *ScalerClient) SetDesired(ctx context.Context, n int) error {
	return doJSON(ctx, c.client, http.MethodPost, c.url, c.headers(), n, nil)
}
