package tunnel

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
)

// DefaultQueueSize bounds the number of unread ssh output lines.
const DefaultQueueSize = 1024

// LineQueue collects lines from several streams into one FIFO. Each
// attached stream gets its own reader goroutine; the queue has a single
// consumer which pops without blocking.
type LineQueue struct {
	ch   chan string
	stop chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

// NewLineQueue creates a queue holding at most size lines. Readers block
// when it is full.
func NewLineQueue(size int) *LineQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &LineQueue{ch: make(chan string, size), stop: make(chan struct{})}
}

// Attach starts reading r line by line. Lines keep their line break. r is
// closed when the queue is closed.
func (q *LineQueue) Attach(r io.ReadCloser) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		_ = r.Close()
		return
	}
	q.closers = append(q.closers, r)
	q.wg.Add(1)
	go q.read(r)
}

func (q *LineQueue) read(r io.Reader) {
	defer q.wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			select {
			case q.ch <- line:
			case <-q.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Pop returns the oldest line, or false when none is available.
func (q *LineQueue) Pop() (string, bool) {
	select {
	case line := <-q.ch:
		return line, true
	default:
		return "", false
	}
}

// Len reports how many lines are waiting.
func (q *LineQueue) Len() int {
	return len(q.ch)
}

// Drain pops every available line.
func (q *LineQueue) Drain() []string {
	var out []string
	for {
		line, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, line)
	}
}

// Close stops the readers, closes the attached streams, waits for the
// reader goroutines and returns the lines that were still queued.
func (q *LineQueue) Close() ([]string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, nil
	}
	q.closed = true
	close(q.stop)
	closers := q.closers
	q.closers = nil
	q.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	q.wg.Wait()
	return q.Drain(), errors.Join(errs...)
}
