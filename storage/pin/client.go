// Package pin is a thin client for the content-addressed document store,
// speaking the IPFS HTTP API.
package pin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client pins and fetches immutable documents by content address.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config represents the client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient constructs a client targeting an IPFS API endpoint.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("pin: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Pin stores the bytes and returns their content address.
func (c *Client) Pin(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "document")
	if err != nil {
		return "", fmt.Errorf("pin: build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("pin: build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("pin: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v0/add?pin=true", &body)
	if err != nil {
		return "", fmt.Errorf("pin: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pin: add: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pin: add returned status %d", resp.StatusCode)
	}
	var decoded struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("pin: decode add response: %w", err)
	}
	if strings.TrimSpace(decoded.Hash) == "" {
		return "", fmt.Errorf("pin: add returned no hash")
	}
	return decoded.Hash, nil
}

// Fetch retrieves the bytes stored under a content address.
func (c *Client) Fetch(ctx context.Context, cid string) ([]byte, error) {
	trimmed := strings.TrimSpace(cid)
	if trimmed == "" {
		return nil, fmt.Errorf("pin: cid required")
	}
	endpoint := c.baseURL + "/api/v0/cat?arg=" + url.QueryEscape(trimmed)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("pin: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pin: cat %s: %w", trimmed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pin: cat %s returned status %d", trimmed, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pin: read %s: %w", trimmed, err)
	}
	return data, nil
}
