package canary

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StartMonitoring launches the monitor loop. Each tick snapshots the
// active deployments and runs them concurrently, every one bounded by
// the tick deadline. Calling it twice is a no-op until StopMonitoring.
func (c *Controller) StartMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	tickTimeout := time.Duration(c.cfg.Monitoring.TickTimeoutSeconds) * time.Second
	if tickTimeout <= 0 || tickTimeout > interval {
		tickTimeout = interval
	}

	c.mu.Lock()
	if c.monitorStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.monitorStop = stop
	c.monitorDone = done
	c.mu.Unlock()

	log.Info().Dur("interval", interval).Msg("canary monitoring started")
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			c.mu.Lock()
			batch := make([]*managed, 0, len(c.deployments))
			for _, m := range c.deployments {
				batch = append(batch, m)
			}
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
			var wg sync.WaitGroup
			for _, m := range batch {
				m := m
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.tick(ctx, m)
				}()
			}
			wg.Wait()
			cancel()
		}
	}()
}

// StopMonitoring signals the loop and joins it.
func (c *Controller) StopMonitoring() {
	c.mu.Lock()
	stop, done := c.monitorStop, c.monitorDone
	c.monitorStop, c.monitorDone = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Info().Msg("canary monitoring stopped")
}
