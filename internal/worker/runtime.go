package worker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/seantiz/sandbroker/internal/protocol"
)

const maxCallStackSize = 1024

var lineBreak = regexp.MustCompile(`(\r?\n)`)

// runtime is a single-use JavaScript environment for one execute request.
type runtime struct {
	vm        *goja.Runtime
	stdio     *Stdio
	prelude   []preludeModule
	modules   map[string]goja.Value
	stringify goja.Callable
	timers    timerQueue
	unhandled []*goja.Promise
}

func newRuntime(stdio *Stdio, prelude []preludeModule) (*runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	r := &runtime{
		vm:      vm,
		stdio:   stdio,
		prelude: prelude,
		modules: make(map[string]goja.Value),
	}
	if err := r.setupGlobals(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *runtime) setupGlobals() error {
	console := r.vm.NewObject()
	for name, stream := range map[string]string{
		"log":   protocol.StreamOut,
		"info":  protocol.StreamOut,
		"debug": protocol.StreamOut,
		"warn":  protocol.StreamErr,
		"error": protocol.StreamErr,
	} {
		if err := console.Set(name, r.consoleFunc(stream)); err != nil {
			return fmt.Errorf("set console.%s: %w", name, err)
		}
	}

	globals := map[string]any{
		"console":       console,
		"require":       r.require,
		"setTimeout":    r.setTimer(false),
		"setInterval":   r.setTimer(true),
		"clearTimeout":  r.clearTimer,
		"clearInterval": r.clearTimer,
	}
	for name, v := range globals {
		if err := r.vm.Set(name, v); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}

	stringify, ok := goja.AssertFunction(r.vm.Get("JSON").ToObject(r.vm).Get("stringify"))
	if !ok {
		return errors.New("JSON.stringify is not callable")
	}
	r.stringify = stringify

	r.vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			r.unhandled = append(r.unhandled, p)
		case goja.PromiseRejectionHandle:
			for i, u := range r.unhandled {
				if u == p {
					r.unhandled = append(r.unhandled[:i], r.unhandled[i+1:]...)
					break
				}
			}
		}
	})
	return nil
}

// load compiles CommonJS code into a module function.
func (r *runtime) load(fileName, code string) (*goja.Program, error) {
	return goja.Compile(fileName, wrapModule(code), false)
}

func wrapModule(code string) string {
	return "(function (exports, require, module, __filename, __dirname) {" + code + "\n})"
}

// run evaluates a loaded module, then its pending timers. Exceptions raised
// by the script are written to stderr; only an interrupt is returned.
func (r *runtime) run(fileName string, program *goja.Program) error {
	if _, err := r.evalModule(fileName, program); err != nil {
		return r.report(err)
	}
	if err := r.runTimers(); err != nil {
		return r.report(err)
	}
	for _, p := range r.unhandled {
		r.stdio.Write(protocol.StreamErr, "Uncaught (in promise) "+r.inspect(p.Result())+"\n")
	}
	return nil
}

func (r *runtime) evalModule(fileName string, program *goja.Program) (goja.Value, error) {
	fnVal, err := r.vm.RunProgram(program)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a function", fileName)
	}

	module := r.vm.NewObject()
	exports := r.vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if _, err := fn(goja.Undefined(), exports, r.vm.Get("require"), module, r.vm.ToValue(fileName), r.vm.ToValue("/")); err != nil {
		return nil, err
	}
	return module.Get("exports"), nil
}

// report writes a script error to stderr. Interrupts are passed through.
func (r *runtime) report(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return err
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		r.stdio.Write(protocol.StreamErr, safeString(exc.Value())+"\n")
		if stack := stackOf(exc.Value()); stack != "" {
			r.stdio.Write(protocol.StreamErr, "stack:\n")
			r.stdio.Write(protocol.StreamErr, "    "+lineBreak.ReplaceAllString(stack, "${1}    ")+"\n")
		}
		return nil
	}

	r.stdio.Write(protocol.StreamErr, err.Error()+"\n")
	return nil
}

func stackOf(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return ""
	}
	stack := obj.Get("stack")
	if stack == nil || goja.IsUndefined(stack) || goja.IsNull(stack) {
		return ""
	}
	return strings.TrimRight(safeString(stack), "\n")
}

// safeString converts v with its own toString, which may itself throw.
// Anything other than a script exception keeps unwinding.
func safeString(v goja.Value) (s string) {
	if v == nil {
		return "undefined"
	}
	defer func() {
		if x := recover(); x != nil {
			if _, ok := x.(*goja.Exception); !ok {
				panic(x)
			}
			s = "[object]"
		}
	}()
	return v.String()
}

func (r *runtime) consoleFunc(stream string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = r.inspect(arg)
		}
		r.stdio.Write(stream, strings.Join(parts, " ")+"\n")
		return goja.Undefined()
	}
}

// inspect renders a value for console output.
func (r *runtime) inspect(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(v); isFn {
		return "[Function]"
	}
	switch obj.ClassName() {
	case "Error":
		if stack := stackOf(v); stack != "" {
			return stack
		}
		return safeString(v)
	case "RegExp", "Date", "String", "Number", "Boolean":
		return safeString(v)
	}

	out, err := r.stringify(goja.Undefined(), v)
	if err != nil {
		// The interrupt was consumed by the nested call; raise it again so
		// the script stops once control returns to it.
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			r.vm.Interrupt(interrupted.Value())
		}
		return safeString(v)
	}
	if out == nil || goja.IsUndefined(out) {
		return safeString(v)
	}
	return out.String()
}

// link evaluates the prelude modules in order so scripts can require them.
func (r *runtime) link() error {
	for _, m := range r.prelude {
		fileName := "/" + m.name + ".mjs"
		program, err := r.load(fileName, m.code)
		if err != nil {
			return fmt.Errorf("load module %s: %w", m.name, err)
		}
		exports, err := r.evalModule(fileName, program)
		if err != nil {
			return fmt.Errorf("evaluate module %s: %w", m.name, err)
		}
		r.modules[m.name] = exports
	}
	return nil
}

// require resolves linked prelude modules only.
func (r *runtime) require(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	if exports, ok := r.modules[name]; ok {
		return exports
	}
	panic(r.vm.NewGoError(fmt.Errorf("cannot find module '%s'", name)))
}
