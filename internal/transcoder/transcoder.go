// Package transcoder submits encoding jobs to the external transcoding
// service and describes the callbacks it sends back.
package transcoder

import (
	"context"
	"fmt"
	"strings"
)

// Job asks the transcoder to produce a playable rendition of an asset.
type Job struct {
	AssetID       string `json:"assetId"`
	ChannelID     string `json:"channelId"`
	Filename      string `json:"filename,omitempty"`
	SourceLocator string `json:"sourceLocator"`
	SourceURL     string `json:"sourceUrl"`
	Attempt       int    `json:"attempt"`
	CallbackURL   string `json:"callbackUrl,omitempty"`
}

type Submission struct {
	JobID string `json:"jobId"`
}

// Transcoder accepts jobs. Results arrive asynchronously as Callbacks.
type Transcoder interface {
	Submit(ctx context.Context, job Job) (Submission, error)
}

type CallbackStatus string

const (
	CallbackProcessing CallbackStatus = "processing"
	CallbackReady      CallbackStatus = "ready"
	CallbackFailed     CallbackStatus = "failed"
)

// Callback is the progress report the transcoder posts for a job.
type Callback struct {
	JobID           string         `json:"jobId,omitempty"`
	AssetID         string         `json:"assetId"`
	Status          CallbackStatus `json:"status"`
	PlaybackURL     string         `json:"playbackUrl,omitempty"`
	DurationSeconds *float64       `json:"durationSeconds,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Validate checks the fields each status requires.
func (c Callback) Validate() error {
	if strings.TrimSpace(c.AssetID) == "" {
		return fmt.Errorf("assetId is required")
	}
	switch c.Status {
	case CallbackProcessing, CallbackFailed:
		return nil
	case CallbackReady:
		if strings.TrimSpace(c.PlaybackURL) == "" {
			return fmt.Errorf("playbackUrl is required for ready callbacks")
		}
		if c.DurationSeconds != nil && *c.DurationSeconds < 0 {
			return fmt.Errorf("durationSeconds must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("unknown status %q", c.Status)
	}
}

// CallbackSink consumes transcoder callbacks.
type CallbackSink interface {
	HandleCallback(ctx context.Context, callback Callback) error
}
