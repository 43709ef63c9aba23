package script

import (
	"sync"
	"time"

	"github.com/flatnas/scripthost/internal/host"
)

// Watcher observes mutations under the host mount root and coalesces
// bursts into a single debounced fire callback. Changes elsewhere in
// the document do not belong to the hosted subtree and are ignored. A
// watcher is tied to one generation's update hook: it is stopped and
// discarded at every teardown and a fresh one is created on the next
// adoption.
type Watcher struct {
	quiet time.Duration
	fire  func()

	mu      sync.Mutex
	timer   *time.Timer
	unsub   func()
	stopped bool
}

// newWatcher subscribes to the document and returns a running watcher.
// The fire callback runs on a timer goroutine; it is responsible for
// its own generation check and fault isolation.
func newWatcher(doc *host.Document, quiet time.Duration, fire func()) *Watcher {
	w := &Watcher{quiet: quiet, fire: fire}
	w.unsub = doc.Subscribe(func(m host.Mutation) {
		if !m.InRoot {
			return
		}
		w.Bump()
	})
	return w
}

// Bump (re)arms the debounce timer: any pending fire is cancelled and
// replaced, so a burst of notifications inside the quiet period yields
// exactly one fire after the burst ceases.
func (w *Watcher) Bump() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.quiet, w.fire)
}

// Stop cancels any pending fire and detaches from the document. A fire
// already in flight is discarded by the caller's generation check.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
