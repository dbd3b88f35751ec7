package script

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
)

type timer struct {
	id   int64
	due  time.Time
	fn   goja.Callable
	args []goja.Value
}

// timerQueue backs setTimeout and clearTimeout. Only the goroutine driving the runtime touches it.
type timerQueue struct {
	nextID  int64
	pending []*timer
}

func (q *timerQueue) add(delay time.Duration, fn goja.Callable, args []goja.Value) int64 {
	q.nextID++
	q.pending = append(q.pending, &timer{id: q.nextID, due: time.Now().Add(delay), fn: fn, args: args})
	return q.nextID
}

func (q *timerQueue) remove(id int64) {
	for i, t := range q.pending {
		if t.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// next returns the earliest due timer, oldest first on ties, or nil.
func (q *timerQueue) next() *timer {
	var first *timer
	for _, t := range q.pending {
		if first == nil || t.due.Before(first.due) {
			first = t
		}
	}
	return first
}

func (b *bindings) installTimers(q *timerQueue) {
	_ = b.vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			b.throw(errors.New("setTimeout callback must be a function"))
		}
		delay := call.Argument(1).ToInteger()
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		return b.vm.ToValue(q.add(time.Duration(delay)*time.Millisecond, fn, args))
	})
	_ = b.vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		q.remove(call.Argument(0).ToInteger())
		return goja.Undefined()
	})
}

// settle fires due timers until promise leaves the pending state. A promise with no
// timer left to drive it waits for ctx, so it ends as an execution timeout.
func (b *bindings) settle(ctx context.Context, q *timerQueue, promise *goja.Promise) error {
	for promise.State() == goja.PromiseStatePending {
		t := q.next()
		if t == nil {
			<-ctx.Done()
			return ErrExecutionTimeout
		}
		wait := time.NewTimer(time.Until(t.due))
		select {
		case <-ctx.Done():
			wait.Stop()
			return ErrExecutionTimeout
		case <-wait.C:
		}
		q.remove(t.id)
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return b.failure(err)
		}
		if ctx.Err() != nil {
			return ErrExecutionTimeout
		}
	}
	return nil
}
