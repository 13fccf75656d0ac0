/*
janitor.go - Periodic queue maintenance

PURPOSE:
  Claims normally reclaim stale entries on their own, but an idle queue
  with no consumers never claims. The janitor runs on a ticker and:
  - reclaims entries stuck in processing past the visibility timeout
  - purges completed entries older than the retention window

USAGE:
  j := NewJanitor(q, log)
  j.Start()
  // ... later
  j.Stop()

SEE ALSO:
  - api/handlers.go: POST /api/worker/clean (manual run)
*/
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/inbound-engine/queue"
)

// Sweep reports what one janitor run did.
type Sweep struct {
	Reclaimed int `json:"reclaimed"`
	Purged    int `json:"purged"`
}

// Janitor handles periodic reclaim and purge.
type Janitor struct {
	Queue      queue.Queue
	Interval   time.Duration
	Visibility time.Duration
	Retention  time.Duration
	Enabled    bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewJanitor creates a janitor with a one minute interval, the default
// visibility timeout and one day of acked retention.
func NewJanitor(q queue.Queue, log zerolog.Logger) *Janitor {
	return &Janitor{
		Queue:      q,
		Interval:   time.Minute,
		Visibility: queue.DefaultPolicy().Visibility,
		Retention:  24 * time.Hour,
		Enabled:    true,
		log:        log.With().Str("component", "janitor").Logger(),
	}
}

// Start begins the ticker loop.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.Enabled {
		j.log.Info().Msg("disabled, not starting")
		return
	}
	if j.ticker != nil {
		return
	}

	j.ticker = time.NewTicker(j.Interval)
	j.stop = make(chan struct{})
	j.wg.Add(1)

	go j.run(j.ticker, j.stop)

	j.log.Info().Dur("interval", j.Interval).Msg("started")
}

// Stop stops the ticker loop and waits for a running sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.ticker != nil {
		j.ticker.Stop()
		close(j.stop)
		j.wg.Wait()
		j.ticker = nil
		j.log.Info().Msg("stopped")
	}
}

func (j *Janitor) run(ticker *time.Ticker, stop chan struct{}) {
	defer j.wg.Done()

	// Run immediately on start
	j.sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			j.sweep(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate sweep.
func (j *Janitor) RunNow(ctx context.Context) (Sweep, error) {
	return j.sweep(ctx)
}

func (j *Janitor) sweep(ctx context.Context) (Sweep, error) {
	var s Sweep

	n, err := j.Queue.ReclaimStale(ctx, j.Visibility)
	if err != nil {
		j.log.Error().Err(err).Msg("reclaim failed")
		return s, err
	}
	s.Reclaimed = n

	n, err = j.Queue.PurgeAcked(ctx, j.Retention)
	if err != nil {
		j.log.Error().Err(err).Msg("purge failed")
		return s, err
	}
	s.Purged = n

	if s.Reclaimed > 0 || s.Purged > 0 {
		j.log.Info().Int("reclaimed", s.Reclaimed).Int("purged", s.Purged).Msg("sweep completed")
	}
	return s, nil
}
