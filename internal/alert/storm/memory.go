package storm

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/tablepay/internal/alert/domain"
	"github.com/smallbiznis/tablepay/internal/clock"
)

// Memory counts hits per process. Used when Redis is not configured.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[domain.Kind]window
}

type window struct {
	start time.Time
	count int64
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System()
	}
	return &Memory{clock: clk, windows: make(map[domain.Kind]window)}
}

func (m *Memory) Hit(_ context.Context, kind domain.Kind, size time.Duration) (int64, error) {
	start := m.clock.Now().Truncate(size)

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[kind]
	if !w.start.Equal(start) {
		w = window{start: start}
	}
	w.count++
	m.windows[kind] = w
	return w.count, nil
}
