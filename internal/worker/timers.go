package worker

import (
	"github.com/dop251/goja"
)

// timer is a callback scheduled on the runtime's virtual clock. Timers run
// after the module body returns, earliest first; delays only order them.
type timer struct {
	id       int64
	due      int64
	seq      int64
	interval int64
	repeat   bool
	fn       goja.Callable
	args     []goja.Value
}

type timerQueue struct {
	now    int64
	nextID int64
	seq    int64
	timers []*timer
}

func (q *timerQueue) add(t *timer) {
	q.seq++
	t.seq = q.seq
	q.timers = append(q.timers, t)
}

func (q *timerQueue) remove(id int64) {
	for i, t := range q.timers {
		if t.id == id {
			q.timers = append(q.timers[:i], q.timers[i+1:]...)
			return
		}
	}
}

// pop removes and returns the earliest timer.
func (q *timerQueue) pop() (*timer, bool) {
	if len(q.timers) == 0 {
		return nil, false
	}
	best := 0
	for i, t := range q.timers[1:] {
		b := q.timers[best]
		if t.due < b.due || (t.due == b.due && t.seq < b.seq) {
			best = i + 1
		}
	}
	t := q.timers[best]
	q.timers = append(q.timers[:best], q.timers[best+1:]...)
	return t, true
}

func (r *runtime) setTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("callback must be a function"))
		}
		delay := call.Argument(1).ToInteger()
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		r.timers.nextID++
		r.timers.add(&timer{
			id:       r.timers.nextID,
			due:      r.timers.now + delay,
			interval: delay,
			repeat:   repeat,
			fn:       fn,
			args:     args,
		})
		return r.vm.ToValue(r.timers.nextID)
	}
}

func (r *runtime) clearTimer(call goja.FunctionCall) goja.Value {
	r.timers.remove(call.Argument(0).ToInteger())
	return goja.Undefined()
}

// runTimers fires timers until none are left. An interval keeps the loop
// alive forever, as it would in any event loop; the broker's deadline ends it.
func (r *runtime) runTimers() error {
	for {
		t, ok := r.timers.pop()
		if !ok {
			return nil
		}
		r.timers.now = t.due
		if t.repeat {
			t.due = r.timers.now + max(t.interval, 1)
			r.timers.add(t)
		}
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return err
		}
	}
}
