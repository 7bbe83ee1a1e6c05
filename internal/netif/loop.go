package netif

import "sync"

// loop is the per-interface event loop. Inbound packets, timer firings,
// and facade calls are posted as closures and run one at a time, which
// gives every state machine on the interface a single-threaded view: a
// handler always sees the cache as the previous event left it.
type loop struct {
	mu      sync.Mutex
	ch      chan func()
	quit    chan struct{}
	stopped bool
}

func newLoop() *loop {
	l := &loop{
		ch:   make(chan func(), 256),
		quit: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	for {
		select {
		case fn := <-l.ch:
			fn()
		case <-l.quit:
			// Drain whatever was already queued so teardown posted
			// behind other work still runs.
			for {
				select {
				case fn := <-l.ch:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post queues fn for execution on the loop. After stop it is a no-op, so
// late timer callbacks die quietly.
func (l *loop) post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	select {
	case l.ch <- fn:
	case <-l.quit:
	}
}

// postWait runs fn on the loop and blocks until it has finished. Calling
// it from the loop itself would deadlock; loop-confined code calls
// functions directly instead.
func (l *loop) postWait(fn func()) {
	done := make(chan struct{})
	l.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-l.quit:
	}
}

func (l *loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.quit)
}
