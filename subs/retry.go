package subs

import (
	"time"

	"github.com/jinzhu/copier"
)

// scheduleRetry arms a one-shot timer that re-issues an errored request
// with its original parameters after the fixed retry delay. The delay is
// constant: attempt count is tracked but never changes the schedule.
func (m *Manager) scheduleRetry(req Request) {
	var replay Request
	if err := copier.CopyWithOption(&replay, &req, copier.Option{DeepCopy: true}); err != nil {
		m.log.Warn("retry copy failed, reusing original request", "name", req.Name, "error", err)
		replay = req
	}
	// Function fields are not deep-copyable; carry them over by hand
	replay.OnEvent = req.OnEvent
	replay.OnError = req.OnError
	replay.Attempt = req.Attempt + 1

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(m.retryDelay, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		delete(m.retryTimers, timer)
		m.mu.Unlock()

		if _, err := m.Subscribe(replay); err != nil {
			m.log.Warn("retry resubscribe failed", "name", replay.Name, "error", err)
		}
	})
	m.retryTimers[timer] = struct{}{}
	m.mu.Unlock()

	m.log.LogRetryScheduled(replay.Name, replay.Attempt, m.retryDelay)
}
