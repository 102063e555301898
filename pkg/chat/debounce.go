package chat

import (
	"sync"
	"time"
)

// pendingFlush is a deferred, cancellable, force-flushable action. Scheduling
// while a prior delay is still pending supersedes it, so a burst of updates
// runs the action once after the delay, and Force runs it synchronously so a
// session close never loses a trailing update.
type pendingFlush struct {
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
	fn    func()
}

func newPendingFlush(delay time.Duration) *pendingFlush {
	return &pendingFlush{delay: delay}
}

func (p *pendingFlush) Schedule(fn func()) {
	if p == nil || fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.delay, p.fire)
}

func (p *pendingFlush) fire() {
	p.mu.Lock()
	fn := p.fn
	p.fn = nil
	p.timer = nil
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Force runs any pending action now, on the calling goroutine.
func (p *pendingFlush) Force() {
	if p == nil {
		return
	}
	p.mu.Lock()
	fn := p.fn
	p.fn = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cancel drops any pending action without running it.
func (p *pendingFlush) Cancel() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.fn = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
}
