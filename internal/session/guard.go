package session

import (
	"sync"
	"time"
)

// 熔断默认值：滚动窗口内允许的最大变更次数。
const (
	defaultGuardBurst  = 100
	defaultGuardWindow = 100 * time.Millisecond
)

// mutationGuard 是状态机变更操作前的熔断器。超出窗口内的突发上限时
// 直接拒绝操作，用于拦截失控的反馈回路，而不是做真正的背压调度。
type mutationGuard struct {
	mu     sync.Mutex
	burst  int
	window time.Duration
	stamps []time.Time
}

func newMutationGuard(burst int, window time.Duration) *mutationGuard {
	if burst <= 0 {
		burst = defaultGuardBurst
	}
	if window <= 0 {
		window = defaultGuardWindow
	}
	return &mutationGuard{burst: burst, window: window}
}

// allow 记录一次变更并判断是否超出突发上限。
func (g *mutationGuard) allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.window)
	kept := g.stamps[:0]
	for _, stamp := range g.stamps {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	g.stamps = kept

	if len(g.stamps) >= g.burst {
		return false
	}
	g.stamps = append(g.stamps, now)
	return true
}
