package luabridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// call is one queued interpreter operation.
type call struct {
	fn     func(L *lua.LState) error
	result chan error
}

// Executor serializes interpreter access through one goroutine. The
// LState is not goroutine-safe; every operation from the plugin host
// is marshalled onto the executor's worker instead.
type Executor struct {
	state  *State
	queue  chan *call
	closed atomic.Bool
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewExecutor creates and starts an executor over the state.
func NewExecutor(state *State, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	e := &Executor{
		state: state,
		queue: make(chan *call, queueSize),
		done:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// run owns the interpreter until Close.
func (e *Executor) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			e.drain(ErrExecutorClosed)
			return
		case c := <-e.queue:
			err := e.invoke(c)
			select {
			case c.result <- err:
			default:
			}
			close(c.result)
		}
	}
}

func (e *Executor) invoke(c *call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = errors.New("lua panic")
			}
		}
	}()
	return c.fn(e.state.L)
}

func (e *Executor) drain(err error) {
	for {
		select {
		case c := <-e.queue:
			select {
			case c.result <- err:
			default:
			}
			close(c.result)
		default:
			return
		}
	}
}

// Execute runs fn on the interpreter goroutine and waits for it, or
// until ctx expires. On ctx expiry the operation still runs; only the
// wait is abandoned.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{fn: fn, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-c.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	}
}

// ExecuteAsync queues fn without waiting. Full queues reject instead
// of blocking.
func (e *Executor) ExecuteAsync(fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{fn: fn, result: make(chan error, 1)}
	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
		go func() { <-c.result }()
		return nil
	default:
		return ErrExecutorQueueFull
	}
}

// Close stops the worker. Queued operations fail with
// ErrExecutorClosed.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
		e.wg.Wait()
	})
}

// IsClosed reports whether Close ran.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
