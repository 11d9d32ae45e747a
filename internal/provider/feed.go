// ABOUTME: Ordered asynchronous delivery of values to a single handler
// ABOUTME: Backs every auth-state and document subscription handed out by backends

package provider

import "sync"

// Feed delivers pushed values to one handler on its own goroutine, in push
// order. After Close returns no further handler call starts.
type Feed[T any] struct {
	handler func(T)

	mu     sync.Mutex
	queue  []T
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewFeed starts a feed for handler.
func NewFeed[T any](handler func(T)) *Feed[T] {
	f := &Feed[T]{
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Push queues v for delivery. Pushing to a closed feed is a no-op.
func (f *Feed[T]) Push(v T) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, v)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. A handler call already running is allowed to finish.
// Safe to call more than once, including from inside the handler.
func (f *Feed[T]) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.queue = nil
		f.mu.Unlock()
		close(f.stop)
	})
}

// Done is closed once the delivery goroutine has exited.
func (f *Feed[T]) Done() <-chan struct{} { return f.done }

func (f *Feed[T]) run() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case <-f.wake:
		}
		for {
			v, ok := f.next()
			if !ok {
				break
			}
			f.handler(v)
		}
	}
}

func (f *Feed[T]) next() (T, bool) {
	var zero T
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.queue) == 0 {
		return zero, false
	}
	v := f.queue[0]
	f.queue[0] = zero
	f.queue = f.queue[1:]
	return v, true
}
