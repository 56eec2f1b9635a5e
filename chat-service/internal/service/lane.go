package service

import "sync"

// lane runs submitted jobs one at a time in submission order.
type lane struct {
	jobs   chan func()
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newLane(size int) *lane {
	if size <= 0 {
		size = 64
	}
	l := &lane{
		jobs: make(chan func(), size),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *lane) run() {
	defer close(l.done)
	for fn := range l.jobs {
		fn()
	}
}

// submit queues fn without blocking. It reports false when the lane is
// full or closed.
func (l *lane) submit(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.jobs <- fn:
		return true
	default:
		return false
	}
}

// close stops accepting jobs and waits for queued ones to finish.
func (l *lane) close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.jobs)
	}
	l.mu.Unlock()
	<-l.done
}

// lanes are the per-session workers: messages and read receipts run on
// separate lanes so a slow append never delays a receipt.
type lanes struct {
	message *lane
	receipt *lane
}

func newLanes(size int) *lanes {
	return &lanes{message: newLane(size), receipt: newLane(size)}
}

func (ls *lanes) close() {
	ls.message.close()
	ls.receipt.close()
}
