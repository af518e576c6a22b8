package transcoder

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// CallbackClient posts callbacks to a FrameProof webhook. The transcoder
// service uses it to report job progress.
type CallbackClient struct {
	http *HTTPClient
}

// NewCallbackClient returns a sink that delivers to the URL carried by each
// job, or fallbackURL when the job has none.
func NewCallbackClient(fallbackURL, secret string, client *http.Client) *CallbackClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CallbackClient{
		http: &HTTPClient{config: HTTPConfig{BaseURL: strings.TrimSpace(fallbackURL), Token: secret}, client: client},
	}
}

func (c *CallbackClient) HandleCallback(ctx context.Context, callback Callback) error {
	return c.Deliver(ctx, "", callback)
}

// Deliver posts callback to url, falling back to the configured URL.
func (c *CallbackClient) Deliver(ctx context.Context, url string, callback Callback) error {
	if err := callback.Validate(); err != nil {
		return err
	}
	target := strings.TrimSpace(url)
	if target == "" {
		target = c.http.config.BaseURL
	}
	if target == "" {
		return errors.New("no callback URL for asset " + callback.AssetID)
	}
	return c.http.post(ctx, target, callback, nil)
}
