package script

import (
	"sync"

	"github.com/dop251/goja"
)

// Bridge is the one-shot, generation-scoped mailbox hosted code uses to
// hand its hooks back to the manager. It is installed into the VM once
// and never re-created; the pending slot is cleared at the start of
// every apply, not at install time, so a late registration from a
// superseded generation cannot contaminate the next adoption.
type Bridge struct {
	mu      sync.Mutex
	pending goja.Value
}

// install binds the registration global. Called once per VM.
func (b *Bridge) install(rt *Runtime) {
	rt.setGlobal(RegisterGlobal, func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0)
		// The loader trailer invokes the handoff unconditionally;
		// ignore empty values so it cannot clobber an earlier
		// explicit registration.
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return goja.Undefined()
		}
		b.mu.Lock()
		b.pending = v
		b.mu.Unlock()
		return goja.Undefined()
	})
}

// Reset clears the pending slot. Called at the start of every apply.
func (b *Bridge) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

// Take consumes the pending registration, if any.
func (b *Bridge) Take() goja.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.pending
	b.pending = nil
	return v
}
