package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flatnas/scripthost/internal/bus"
	"github.com/flatnas/scripthost/internal/host"
	"github.com/flatnas/scripthost/internal/infrastructure/logging"
	"github.com/flatnas/scripthost/internal/infrastructure/monitoring"
)

// Manager orchestrates apply/destroy cycles for user-supplied script
// text. It owns generation numbering: every apply or destroy bumps the
// generation token, and any asynchronous completion (script run,
// debounce fire) checks the token at the moment it would take effect
// and discards itself if stale.
//
// Apply and Destroy never fail outward; every failure in hosted code
// degrades that generation to "contributes no active behavior".
type Manager struct {
	cfg     Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	doc     *host.Document
	bus     *bus.Bus

	rt       *Runtime
	bridge   *Bridge
	cleanups *CleanupRegistry
	ctxVal   goja.Value // stable across generations

	generation atomic.Uint64

	mu      sync.Mutex // serializes lifecycle transitions
	hooks   HookSet
	watcher *Watcher
	unitID  string
}

// NewManager creates a manager bound to a host document and event bus.
// Metrics may be nil.
func NewManager(
	cfg Config,
	doc *host.Document,
	eventBus *bus.Bus,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	log := logger.Named("lifecycle")

	m := &Manager{
		cfg:      cfg,
		logger:   log,
		metrics:  metrics,
		doc:      doc,
		bus:      eventBus,
		rt:       newRuntime(cfg.ExecTimeout, log),
		bridge:   &Bridge{},
		cleanups: &CleanupRegistry{},
	}

	m.bridge.install(m.rt)
	m.rt.setGlobal(reportGlobal, func(call goja.FunctionCall) goja.Value {
		m.logger.Warn("script reported error",
			zap.String("error", call.Argument(0).String()),
			zap.Uint64("generation", m.generation.Load()),
		)
		return goja.Undefined()
	})
	m.ctxVal = buildContext(m.rt, doc, eventBus, m.cleanups, m.generation.Load, metrics, log)

	return m
}

// Apply replaces the current generation with one built from scriptText.
// A false consent flag or blank text leaves the manager idle. Errors in
// the hosted code are caught and reported, never returned.
func (m *Manager) Apply(ctx context.Context, scriptText string, consent bool) {
	// Bumping the token first invalidates any in-flight completion
	// from the previous generation, even while it still executes.
	gen := m.generation.Add(1)
	m.metrics.SetGeneration(gen)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()

	if m.generation.Load() != gen {
		// A newer apply or destroy entered while we tore down.
		m.metrics.ObserveApply(monitoring.ApplySuperseded)
		return
	}
	if ctx != nil && ctx.Err() != nil {
		m.metrics.ObserveApply(monitoring.ApplySuperseded)
		return
	}

	m.bridge.Reset()
	m.rt.setGlobal(ExportGlobal, goja.Undefined())

	src := strings.TrimSpace(scriptText)
	if !consent || src == "" {
		m.logger.Info("lifecycle idle", zap.Uint64("generation", gen), zap.Bool("consent", consent))
		m.metrics.ObserveApply(monitoring.ApplyIdle)
		return
	}
	if m.cfg.MaxScriptBytes > 0 && int64(len(src)) > m.cfg.MaxScriptBytes {
		m.logger.Warn("script exceeds size limit",
			zap.Uint64("generation", gen),
			zap.Int("bytes", len(src)),
			zap.Int64("limit", m.cfg.MaxScriptBytes),
		)
		m.metrics.ObserveApply(monitoring.ApplyLoadError)
		return
	}

	kind := classify(src)
	unitSrc := buildExecutable(src, kind)
	unitID := uuid.NewString()

	m.doc.InsertUnit(unitID)
	m.unitID = unitID

	dur, err := m.rt.run("flatnas-custom."+unitID[:8]+".js", unitSrc)
	m.metrics.ObserveScriptDuration(dur.Seconds())
	if err != nil {
		m.logger.Warn("executable unit failed",
			zap.Uint64("generation", gen),
			zap.Int("kind", int(kind)),
			zap.Error(err),
		)
		m.metrics.ObserveApply(monitoring.ApplyLoadError)
		return
	}

	if m.generation.Load() != gen {
		// Stale completion: a newer apply or a destroy superseded this
		// generation while its unit executed.
		m.logger.Debug("stale load completion discarded", zap.Uint64("generation", gen))
		m.metrics.ObserveApply(monitoring.ApplySuperseded)
		return
	}

	val := m.bridge.Take()
	if val == nil {
		// Fallback for scripts that export their hooks instead of
		// calling the bridge.
		val = m.rt.global(ExportGlobal)
	}
	hooks := m.extractHooks(val)
	if hooks.Empty() {
		m.logger.Info("no hooks registered", zap.Uint64("generation", gen))
		m.metrics.ObserveApply(monitoring.ApplyNoHooks)
		return
	}

	m.hooks = hooks
	if hooks.Init != nil {
		m.invokeHook(gen, "init", hooks.Init)
	}
	if hooks.Update != nil {
		m.watcher = newWatcher(m.doc, m.cfg.DebounceQuiet, func() { m.dispatchUpdate(gen) })
		// First update, debounced like every later one.
		m.watcher.Bump()
	}

	m.logger.Info("hooks adopted",
		zap.Uint64("generation", gen),
		zap.String("unit", unitID),
		zap.Bool("init", hooks.Init != nil),
		zap.Bool("update", hooks.Update != nil),
		zap.Bool("destroy", hooks.Destroy != nil),
	)
	m.metrics.ObserveApply(monitoring.ApplyAdopted)
}

// Destroy tears down the current generation and leaves the manager
// idle. Safe to call with nothing adopted.
func (m *Manager) Destroy() {
	gen := m.generation.Add(1)
	m.metrics.SetGeneration(gen)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// Status reports the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Generation: m.generation.Load(),
		Idle:       m.hooks.Empty() && m.unitID == "",
		UnitID:     m.unitID,
		HasInit:    m.hooks.Init != nil,
		HasUpdate:  m.hooks.Update != nil,
		HasDestroy: m.hooks.Destroy != nil,
	}
}

// teardownLocked dismantles the current generation. Order matters:
// pending debounce cancelled and watcher stopped first, then the
// destroy hook, then cleanup drain, then unit removal.
func (m *Manager) teardownLocked() {
	if m.watcher != nil {
		m.watcher.Stop()
		m.watcher = nil
	}
	if m.hooks.Destroy != nil {
		m.invokeHook(m.generation.Load(), "destroy", m.hooks.Destroy)
	}
	m.hooks = HookSet{}
	m.cleanups.Drain(m.logger, m.metrics)
	if m.unitID != "" {
		m.doc.RemoveUnit(m.unitID)
		m.unitID = ""
	}
}

// dispatchUpdate runs on the debounce timer goroutine. The token is
// checked twice: once cheaply before taking the lock and once under it,
// so an update never fires after its generation's destroy has started.
func (m *Manager) dispatchUpdate(gen uint64) {
	if m.generation.Load() != gen {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation.Load() != gen {
		return
	}
	up := m.hooks.Update
	if up == nil {
		return
	}

	m.metrics.ObserveUpdate()
	m.invokeHook(gen, "update", up)
}

// invokeHook calls into hosted code with full fault isolation: throws,
// rejections, and panics are logged and counted, never propagated.
func (m *Manager) invokeHook(gen uint64, name string, fn goja.Callable) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("hook panicked",
				zap.String("hook", name),
				zap.Uint64("generation", gen),
				zap.Any("panic", r),
			)
			m.metrics.ObserveHookError(name)
		}
	}()

	err := m.rt.with(func(vm *goja.Runtime) error {
		v, err := fn(goja.Undefined(), m.ctxVal)
		if err != nil {
			return err
		}
		// A hook may return a deferred completion; by the time the
		// call returns the job queue has drained, so a settled
		// rejection is observable here.
		if p, ok := v.Export().(*goja.Promise); ok && p.State() == goja.PromiseStateRejected {
			return fmt.Errorf("hook rejected: %s", p.Result().String())
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("hook failed",
			zap.String("hook", name),
			zap.Uint64("generation", gen),
			zap.Error(err),
		)
		m.metrics.ObserveHookError(name)
	}
}

// extractHooks pulls the hook functions off a registration value.
func (m *Manager) extractHooks(val goja.Value) HookSet {
	var hooks HookSet
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return hooks
	}
	m.rt.with(func(vm *goja.Runtime) error {
		obj := val.ToObject(vm)
		if obj == nil {
			return nil
		}
		if fn, ok := goja.AssertFunction(obj.Get("init")); ok {
			hooks.Init = fn
		}
		if fn, ok := goja.AssertFunction(obj.Get("update")); ok {
			hooks.Update = fn
		}
		if fn, ok := goja.AssertFunction(obj.Get("destroy")); ok {
			hooks.Destroy = fn
		}
		return nil
	})
	return hooks
}
