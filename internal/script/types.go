package script

import (
	"time"

	"github.com/dop251/goja"
)

// Well-known globals forming the handoff contract with hosted code.
const (
	// RegisterGlobal is the registration bridge function name.
	RegisterGlobal = "__flatnasRegister"
	// ExportGlobal is the export slot read when no explicit
	// registration call occurs.
	ExportGlobal = "FlatNasCustom"
	// reportGlobal receives errors caught inside the async wrapper.
	reportGlobal = "__flatnasReportError"
)

// HookSet holds the lifecycle hooks supplied by hosted code. Any
// subset may be absent.
type HookSet struct {
	Init    goja.Callable
	Update  goja.Callable
	Destroy goja.Callable
}

// Empty reports whether no hook is present.
func (h HookSet) Empty() bool {
	return h.Init == nil && h.Update == nil && h.Destroy == nil
}

// Config defines lifecycle manager configuration.
type Config struct {
	// DebounceQuiet is the quiet period mutation bursts must respect
	// before a single update call fires.
	DebounceQuiet time.Duration
	// ExecTimeout bounds one executable unit run or hook invocation
	// before the VM is interrupted.
	ExecTimeout time.Duration
	// MaxScriptBytes caps accepted script text. Zero means no cap.
	MaxScriptBytes int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DebounceQuiet:  250 * time.Millisecond,
		ExecTimeout:    5 * time.Second,
		MaxScriptBytes: 512 * 1024,
	}
}

// Status describes the manager's current lifecycle state.
type Status struct {
	Generation uint64 `json:"generation"`
	Idle       bool   `json:"idle"`
	UnitID     string `json:"unit_id,omitempty"`
	HasInit    bool   `json:"has_init"`
	HasUpdate  bool   `json:"has_update"`
	HasDestroy bool   `json:"has_destroy"`
}
