package platform

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// sleepCheckInterval is how often the monitor compares wall-clock
	// progress against its own schedule.
	sleepCheckInterval = 60 * time.Second

	// sleepFudge is how far past the scheduled interval the wall clock
	// may land before the gap is read as a suspend/resume rather than
	// scheduler noise.
	sleepFudge = 5 * time.Second
)

// SleepMonitor detects likely process suspension: a periodic tick records
// the wall time, and when a tick arrives more than the fudge late the
// process was probably asleep in between. Probes and queries restart on
// wake because any state built before the gap is stale.
type SleepMonitor struct {
	clk clock.Clock

	mu     sync.Mutex
	subs   map[int]func()
	nextID int
	ticker *clock.Timer
	last   time.Time
	closed bool
}

// NewSleepMonitor starts a monitor on the given clock.
func NewSleepMonitor(clk clock.Clock) *SleepMonitor {
	m := &SleepMonitor{
		clk:  clk,
		subs: make(map[int]func()),
		last: clk.Now(),
	}
	m.ticker = clk.AfterFunc(sleepCheckInterval, m.tick)
	return m
}

func (m *SleepMonitor) tick() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	gap := now.Sub(m.last) - sleepCheckInterval
	m.last = now
	m.ticker.Reset(sleepCheckInterval)

	var fire []func()
	if gap > sleepFudge {
		for _, fn := range m.subs {
			fire = append(fire, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// OnWake registers a callback fired after a suspected suspend. The
// returned function removes the registration.
func (m *SleepMonitor) OnWake(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Close stops the monitor.
func (m *SleepMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.ticker.Stop()
	m.subs = make(map[int]func())
}

var (
	monitorMu sync.Mutex
	monitor   *SleepMonitor
)

// SharedSleepMonitor returns the process-wide monitor, creating it on
// first use with the real clock.
func SharedSleepMonitor() *SleepMonitor {
	monitorMu.Lock()
	defer monitorMu.Unlock()
	if monitor == nil {
		monitor = NewSleepMonitor(clock.New())
	}
	return monitor
}

// ResetSleepMonitor tears down the shared monitor; tests call this between
// cases.
func ResetSleepMonitor() {
	monitorMu.Lock()
	defer monitorMu.Unlock()
	if monitor != nil {
		monitor.Close()
		monitor = nil
	}
}
