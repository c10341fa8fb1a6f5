// Package ingest runs the consumer side of a stream: it pulls frames from a
// capture, hands them to a sink and rebuilds the capture when it goes stale.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"amscam/native/internal/domain"
	"amscam/native/internal/metrics"
)

const (
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultReportInterval = time.Second
	DefaultRetryDelay     = time.Second
)

// Source builds a fresh capture for one connection attempt.
type Source func() domain.Capture

// Sink receives every delivered frame.
type Sink interface {
	WriteFrame(f *domain.Frame) error
}

// WriterSink writes frame payloads back to back. For H264 that is a
// playable Annex-B stream.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) WriteFrame(f *domain.Frame) error {
	_, err := s.W.Write(f.Payload)
	return err
}

type Options struct {
	PollInterval   time.Duration
	ReportInterval time.Duration
	RetryDelay     time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Loop pulls from one capture at a time.
type Loop struct {
	source Source
	sink   Sink
	opts   Options
	logger *slog.Logger
}

func New(source Source, sink Sink, opts Options) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultReportInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{
		source: source,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.With("component", "ingest"),
	}
}

// Run pulls until ctx is done or the sink fails. The current capture is
// always released before Run returns. Cancellation is not an error.
func (l *Loop) Run(ctx context.Context) error {
	capture := l.source()
	defer func() { capture.Release() }()

	var (
		frames    int
		lastPrint = l.opts.Now()
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		ok, f := capture.Pull()
		switch {
		case ok:
			if err := l.sink.WriteFrame(f); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
			frames++

		case f != nil:
			// Placeholder: connected but nothing new yet.
			if !l.wait(ctx, l.opts.PollInterval) {
				return nil
			}

		default:
			l.logger.Warn("stream unavailable, reconnecting", "retry_in", l.opts.RetryDelay)
			capture.Release()
			if !l.wait(ctx, l.opts.RetryDelay) {
				capture = noCapture{}
				return nil
			}
			l.opts.Metrics.IncReconnects()
			capture = l.source()
		}

		if now := l.opts.Now(); now.Sub(lastPrint) >= l.opts.ReportInterval {
			fps := float64(frames) / now.Sub(lastPrint).Seconds()
			l.logger.Info("ingest rate", "fps", fmt.Sprintf("%.1f", fps), "frames", frames)
			frames = 0
			lastPrint = now
		}
	}
}

func (l *Loop) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// noCapture stands in once the previous capture has already been released.
type noCapture struct{}

func (noCapture) Pull() (bool, *domain.Frame) { return false, nil }
func (noCapture) Release()                    {}
