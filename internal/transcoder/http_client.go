package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"frameproof/internal/apperr"
)

type HTTPConfig struct {
	BaseURL        string
	Token          string
	CallbackURL    string
	HealthEndpoint string
	HTTPClient     *http.Client
}

// HTTPClient posts jobs to {BaseURL}/v1/jobs with a bearer token.
type HTTPClient struct {
	config HTTPConfig
	client *http.Client
}

type jobResponse struct {
	JobID  string   `json:"jobId"`
	JobIDs []string `json:"jobIds"`
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("transcoder base URL is required")
	}
	if cfg.HealthEndpoint == "" {
		cfg.HealthEndpoint = "/healthz"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{config: cfg, client: client}, nil
}

func (c *HTTPClient) Submit(ctx context.Context, job Job) (Submission, error) {
	if job.CallbackURL == "" {
		job.CallbackURL = c.config.CallbackURL
	}
	var response jobResponse
	if err := c.post(ctx, c.config.BaseURL+"/v1/jobs", job, &response); err != nil {
		return Submission{}, fmt.Errorf("submit job for asset %s: %w", job.AssetID, err)
	}
	id := response.JobID
	if id == "" && len(response.JobIDs) > 0 {
		id = response.JobIDs[0]
	}
	return Submission{JobID: id}, nil
}

// Health reports whether the transcoder answers its health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+c.config.HealthEndpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transcoder health: %s", resp.Status)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
}

// post sends payload as JSON. Network failures, 429 and 5xx responses are
// reported as transient so the caller may retry.
func (c *HTTPClient) post(ctx context.Context, url string, payload, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return apperr.Transient(err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return apperr.Transient(statusErr)
		}
		return statusErr
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
