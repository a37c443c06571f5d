package sensors

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SampleFunc reads one sample at now.
type SampleFunc func(now time.Time) (Reading, error)

// PollStream is a [Stream] that samples on a fixed interval from its own
// goroutine. Platforms without an event queue build their streams on it.
type PollStream struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewPollStream starts sampling every interval and passes each successful
// sample to deliver. Sample errors are logged at debug and skipped.
func NewPollStream(interval time.Duration, sample SampleFunc, deliver func(Reading), logger *slog.Logger) *PollStream {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &PollStream{cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, interval, sample, deliver, logger)
	return s
}

func (s *PollStream) run(ctx context.Context, interval time.Duration, sample SampleFunc, deliver func(Reading), logger *slog.Logger) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r, err := sample(now)
			if err != nil {
				logger.Debug("sensor sample failed", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			deliver(r)
		}
	}
}

// Close stops the goroutine and waits for it to exit. It is idempotent.
func (s *PollStream) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
