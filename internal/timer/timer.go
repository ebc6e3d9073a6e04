package timer

import (
	"sync"
	"time"
)

// Handle identifies one scheduled callback. Stop is idempotent and prevents
// future fires; it does not interrupt a fire already in progress.
type Handle interface {
	Stop()
}

// Service provides one-shot and repeating delayed callbacks. The engine
// depends on this interface so tests can drive timers deterministically.
type Service interface {
	// AfterFunc runs fn once after d.
	AfterFunc(d time.Duration, fn func()) Handle

	// Repeat runs fn every d until the handle is stopped.
	Repeat(d time.Duration, fn func()) Handle
}

// New returns the wall-clock implementation backed by the time package.
func New() Service {
	return wallService{}
}

type wallService struct{}

type oneShotHandle struct {
	t *time.Timer
}

func (h oneShotHandle) Stop() {
	h.t.Stop()
}

func (wallService) AfterFunc(d time.Duration, fn func()) Handle {
	return oneShotHandle{t: time.AfterFunc(d, fn)}
}

type repeatHandle struct {
	once sync.Once
	stop chan struct{}
}

func (h *repeatHandle) Stop() {
	h.once.Do(func() { close(h.stop) })
}

func (wallService) Repeat(d time.Duration, fn func()) Handle {
	h := &repeatHandle{stop: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return h
}
