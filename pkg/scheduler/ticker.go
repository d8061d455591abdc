// Package scheduler provides a small reusable periodic-tick helper, lifted
// out of the teacher's pool-sweeper goroutine pattern since §4.14 needs the
// same shape repeated for pool GC, gateway keepalive, metrics snapshots and
// certificate renewal.
package scheduler

import (
	"sync"
	"time"
)

// Ticker runs fn every interval on its own goroutine until Stop is called.
// Stop is idempotent and blocks until the goroutine has exited.
type Ticker struct {
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Start launches a Ticker that calls fn once per interval, starting after
// the first tick (fn is not called immediately on Start).
func Start(interval time.Duration, fn func()) *Ticker {
	t := &Ticker{stopCh: make(chan struct{})}
	t.wg.Add(1)
	go t.loop(interval, fn)
	return t
}

func (t *Ticker) loop(interval time.Duration, fn func()) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop halts the Ticker and waits for its goroutine to exit. Safe to call
// more than once.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
