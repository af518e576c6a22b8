package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Passthrough is a development transcoder: it reports every job as ready with
// the source URL as the playback locator.
type Passthrough struct {
	mu     sync.RWMutex
	sink   CallbackSink
	delay  time.Duration
	logger *slog.Logger
	seq    int64
}

func NewPassthrough(delay time.Duration, logger *slog.Logger) *Passthrough {
	if logger == nil {
		logger = slog.Default()
	}
	return &Passthrough{delay: delay, logger: logger}
}

// SetSink installs the receiver of the synthetic callbacks.
func (p *Passthrough) SetSink(sink CallbackSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *Passthrough) Submit(ctx context.Context, job Job) (Submission, error) {
	p.mu.Lock()
	sink := p.sink
	p.seq++
	jobID := fmt.Sprintf("passthrough-%d", p.seq)
	p.mu.Unlock()
	if sink == nil {
		return Submission{}, fmt.Errorf("passthrough transcoder has no callback sink")
	}
	go p.run(sink, jobID, job)
	return Submission{JobID: jobID}, nil
}

func (p *Passthrough) run(sink CallbackSink, jobID string, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.delay+30*time.Second)
	defer cancel()
	if err := sink.HandleCallback(ctx, Callback{JobID: jobID, AssetID: job.AssetID, Status: CallbackProcessing}); err != nil {
		p.logger.Warn("passthrough processing callback failed", "asset_id", job.AssetID, "error", err)
		return
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	ready := Callback{JobID: jobID, AssetID: job.AssetID, Status: CallbackReady, PlaybackURL: job.SourceURL}
	if ready.PlaybackURL == "" {
		ready.PlaybackURL = job.SourceLocator
	}
	if err := sink.HandleCallback(ctx, ready); err != nil {
		p.logger.Warn("passthrough ready callback failed", "asset_id", job.AssetID, "error", err)
	}
}
