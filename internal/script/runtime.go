package script

import (
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flatnas/scripthost/internal/infrastructure/logging"
)

// Runtime wraps a long-lived goja VM. The VM is not safe for
// concurrent use; every entry goes through with, which serializes
// access and arms an interrupt watchdog so runaway hosted code cannot
// stall the host.
type Runtime struct {
	vm      *goja.Runtime
	timeout time.Duration
	logger  *logging.Logger

	// entry serializes VM access. Held for the duration of one
	// executable unit run or one hook invocation.
	entry chan struct{}
}

func newRuntime(timeout time.Duration, logger *logging.Logger) *Runtime {
	r := &Runtime{
		vm:      goja.New(),
		timeout: timeout,
		logger:  logger.Named("vm"),
		entry:   make(chan struct{}, 1),
	}
	r.entry <- struct{}{}
	r.setupGlobals()
	return r
}

// with runs fn with exclusive VM access and a watchdog that interrupts
// execution after the configured timeout.
func (r *Runtime) with(fn func(vm *goja.Runtime) error) error {
	<-r.entry
	defer func() { r.entry <- struct{}{} }()

	watchdog := time.AfterFunc(r.timeout, func() {
		r.vm.Interrupt("execution timeout exceeded")
	})
	defer func() {
		watchdog.Stop()
		r.vm.ClearInterrupt()
	}()

	return fn(r.vm)
}

// run executes built source text as a named script.
func (r *Runtime) run(name, src string) (time.Duration, error) {
	start := time.Now()
	err := r.with(func(vm *goja.Runtime) error {
		_, err := vm.RunScript(name, src)
		return err
	})
	return time.Since(start), err
}

// global reads a global by name, normalizing absent values to nil.
func (r *Runtime) global(name string) goja.Value {
	var val goja.Value
	r.with(func(vm *goja.Runtime) error {
		v := vm.Get(name)
		if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			val = v
		}
		return nil
	})
	return val
}

// setGlobal binds a host value into the VM's global scope.
func (r *Runtime) setGlobal(name string, value interface{}) {
	r.with(func(vm *goja.Runtime) error {
		return vm.Set(name, value)
	})
}

// setupGlobals removes Node-style entry points and binds console to the
// host logger, following the hosted environment contract: ambient
// globals remain reachable, capability access goes through the context.
func (r *Runtime) setupGlobals() {
	vm := r.vm

	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())

	console := vm.NewObject()
	console.Set("log", r.makeConsoleFunc(zapcore.InfoLevel))
	console.Set("info", r.makeConsoleFunc(zapcore.InfoLevel))
	console.Set("warn", r.makeConsoleFunc(zapcore.WarnLevel))
	console.Set("error", r.makeConsoleFunc(zapcore.ErrorLevel))
	console.Set("debug", r.makeConsoleFunc(zapcore.DebugLevel))
	vm.Set("console", console)

	// No task queue is exposed to hosted code; scheduling belongs to
	// the manager's debounce machinery.
	noop := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }
	vm.Set("setTimeout", noop)
	vm.Set("setInterval", noop)
	vm.Set("clearTimeout", noop)
	vm.Set("clearInterval", noop)
}

func (r *Runtime) makeConsoleFunc(level zapcore.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		msg := strings.Join(parts, " ")
		if ce := r.logger.Check(level, msg); ce != nil {
			ce.Write(zap.String("source", "console"))
		}
		return goja.Undefined()
	}
}
