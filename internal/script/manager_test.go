package script

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatnas/scripthost/internal/bus"
	"github.com/flatnas/scripthost/internal/host"
)

func newTestManager(t *testing.T, quiet time.Duration) (*Manager, *host.Document, *bus.Bus) {
	t.Helper()

	doc, err := host.New("", nil)
	require.NoError(t, err)

	eventBus := bus.New("flatnas", nil)
	m := NewManager(Config{
		DebounceQuiet:  quiet,
		ExecTimeout:    2 * time.Second,
		MaxScriptBytes: 0,
	}, doc, eventBus, nil, nil)

	return m, doc, eventBus
}

// jsGlobal reads a VM global from the test side, normalizing absent
// values to nil.
func jsGlobal(t *testing.T, m *Manager, name string) interface{} {
	t.Helper()
	var out interface{}
	m.rt.with(func(vm *goja.Runtime) error {
		v := vm.Get(name)
		if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			out = v.Export()
		}
		return nil
	})
	return out
}

func TestApplyEmptyScriptStaysIdle(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), "   \n\t ", true)

	status := m.Status()
	assert.True(t, status.Idle)
	assert.Empty(t, status.UnitID)
	assert.Equal(t, 0, doc.UnitCount())
}

func TestApplyWithoutConsentStaysIdle(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `globalThis.ran = true;`, false)

	assert.True(t, m.Status().Idle)
	assert.Equal(t, 0, doc.UnitCount())
	assert.Nil(t, jsGlobal(t, m, "ran"))
}

func TestApplyAdoptsExplicitRegistration(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `
		__flatnasRegister({
			init: function (ctx) { globalThis.initRan = true; },
			destroy: function (ctx) { globalThis.destroyRan = true; },
		});
	`, true)

	status := m.Status()
	assert.False(t, status.Idle)
	assert.True(t, status.HasInit)
	assert.False(t, status.HasUpdate)
	assert.True(t, status.HasDestroy)
	assert.Equal(t, 1, doc.UnitCount())
	assert.Equal(t, true, jsGlobal(t, m, "initRan"))
	assert.Nil(t, jsGlobal(t, m, "destroyRan"))
}

func TestApplyAdoptsExportFallback(t *testing.T) {
	m, _, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `
		globalThis.FlatNasCustom = {
			init: function (ctx) { globalThis.fallbackInit = true; },
		};
	`, true)

	assert.True(t, m.Status().HasInit)
	assert.Equal(t, true, jsGlobal(t, m, "fallbackInit"))
}

func TestExplicitRegistrationWinsOverExportSlot(t *testing.T) {
	m, _, _ := newTestManager(t, 50*time.Millisecond)

	// The trailer fires after the explicit call, with the export slot
	// still populated. The explicit handoff must survive it.
	m.Apply(context.Background(), `
		__flatnasRegister({
			init: function (ctx) { globalThis.which = "explicit"; },
		});
		globalThis.FlatNasCustom = {
			init: function (ctx) { globalThis.which = "slot"; },
		};
	`, true)

	assert.Equal(t, "explicit", jsGlobal(t, m, "which"))
}

func TestStaleExportSlotNotReadopted(t *testing.T) {
	m, _, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `
		globalThis.FlatNasCustom = { init: function () { globalThis.gen = 1; } };
	`, true)
	require.Equal(t, int64(1), jsGlobal(t, m, "gen"))

	// The second script registers nothing; the first generation's
	// export slot value must not be adopted again.
	m.Apply(context.Background(), `globalThis.second = true;`, true)

	status := m.Status()
	assert.False(t, status.HasInit)
	assert.Equal(t, int64(1), jsGlobal(t, m, "gen"))
}

func TestScriptWithoutHooksContributesNothing(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `globalThis.sideEffect = 42;`, true)

	status := m.Status()
	assert.False(t, status.HasInit)
	assert.False(t, status.HasUpdate)
	assert.False(t, status.HasDestroy)
	// The unit ran; it just contributed no lifecycle behavior.
	assert.Equal(t, 1, doc.UnitCount())
	assert.Equal(t, int64(42), jsGlobal(t, m, "sideEffect"))
}

func TestSyntaxErrorDegradesGeneration(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `function ( { broken`, true)
	assert.False(t, m.Status().HasInit)

	// The manager stays usable: the next apply tears the failed unit
	// down and adopts normally.
	m.Apply(context.Background(), `__flatnasRegister({ init: function () {} });`, true)
	assert.True(t, m.Status().HasInit)
	assert.Equal(t, 1, doc.UnitCount())
}

func TestOversizedScriptRejected(t *testing.T) {
	doc, err := host.New("", nil)
	require.NoError(t, err)
	m := NewManager(Config{
		DebounceQuiet:  50 * time.Millisecond,
		ExecTimeout:    time.Second,
		MaxScriptBytes: 16,
	}, doc, bus.New("flatnas", nil), nil, nil)

	m.Apply(context.Background(), strings.Repeat("globalThis.x=1;", 10), true)

	assert.True(t, m.Status().Idle)
	assert.Equal(t, 0, doc.UnitCount())
}

func TestInitThrowIsIsolated(t *testing.T) {
	m, doc, _ := newTestManager(t, 20*time.Millisecond)

	m.Apply(context.Background(), `
		globalThis.updates = 0;
		__flatnasRegister({
			init: function (ctx) { throw new Error("boom"); },
			update: function (ctx) { globalThis.updates++; },
		});
	`, true)

	// The throw degrades init only; the update hook is still live.
	status := m.Status()
	assert.True(t, status.HasInit)
	assert.True(t, status.HasUpdate)

	doc.SetText("#"+host.RootID, "changed")
	assert.Eventually(t, func() bool {
		n, _ := jsGlobal(t, m, "updates").(int64)
		return n >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestRejectedInitPromiseIsIsolated(t *testing.T) {
	m, _, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `
		__flatnasRegister({
			init: function (ctx) { return Promise.reject(new Error("late boom")); },
			destroy: function (ctx) { globalThis.destroyRan = true; },
		});
	`, true)

	assert.True(t, m.Status().HasDestroy)
	m.Destroy()
	assert.Equal(t, true, jsGlobal(t, m, "destroyRan"))
}

func TestDebounceCoalescesMutationBurst(t *testing.T) {
	m, doc, _ := newTestManager(t, 60*time.Millisecond)

	m.Apply(context.Background(), `
		globalThis.updates = 0;
		__flatnasRegister({
			update: function (ctx) { globalThis.updates++; },
		});
	`, true)

	// A burst inside one quiet window collapses, together with the
	// adoption-time bump, into a single update call.
	for i := 0; i < 5; i++ {
		doc.SetAttr("#"+host.RootID, "data-n", "x")
	}

	assert.Eventually(t, func() bool {
		n, _ := jsGlobal(t, m, "updates").(int64)
		return n == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	n, _ := jsGlobal(t, m, "updates").(int64)
	assert.Equal(t, int64(1), n)

	// A later isolated mutation fires exactly one more.
	doc.SetText("#"+host.RootID, "again")
	assert.Eventually(t, func() bool {
		n, _ := jsGlobal(t, m, "updates").(int64)
		return n == 2
	}, time.Second, 10*time.Millisecond)
}

func TestNoUpdateForMutationOutsideRoot(t *testing.T) {
	page := `<html><body>
		<div id="outside"></div>
		<div id="` + host.RootID + `"></div>
	</body></html>`
	doc, err := host.New(page, nil)
	require.NoError(t, err)
	m := NewManager(Config{
		DebounceQuiet: 40 * time.Millisecond,
		ExecTimeout:   2 * time.Second,
	}, doc, bus.New("flatnas", nil), nil, nil)

	m.Apply(context.Background(), `
		globalThis.updates = 0;
		__flatnasRegister({
			update: function (ctx) { globalThis.updates++; },
		});
	`, true)

	// Adoption schedules the first debounced update.
	assert.Eventually(t, func() bool {
		n, _ := jsGlobal(t, m, "updates").(int64)
		return n == 1
	}, time.Second, 10*time.Millisecond)

	// A mutation outside the hosted subtree must not wake the watcher.
	doc.SetAttr("#outside", "data-x", "1")
	time.Sleep(150 * time.Millisecond)
	n, _ := jsGlobal(t, m, "updates").(int64)
	assert.Equal(t, int64(1), n)

	// One inside it still does.
	doc.SetAttr("#"+host.RootID, "data-x", "1")
	assert.Eventually(t, func() bool {
		n, _ := jsGlobal(t, m, "updates").(int64)
		return n == 2
	}, time.Second, 10*time.Millisecond)
}

func TestNoUpdateAfterDestroy(t *testing.T) {
	m, doc, _ := newTestManager(t, 60*time.Millisecond)

	m.Apply(context.Background(), `
		globalThis.updates = 0;
		__flatnasRegister({
			update: function (ctx) { globalThis.updates++; },
		});
	`, true)

	doc.SetText("#"+host.RootID, "mutated")
	m.Destroy()

	time.Sleep(200 * time.Millisecond)
	n, _ := jsGlobal(t, m, "updates").(int64)
	assert.Equal(t, int64(0), n)
}

func TestCleanupsDrainInReverseOrder(t *testing.T) {
	m, _, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `
		globalThis.order = [];
		__flatnasRegister({
			init: function (ctx) {
				ctx.onCleanup(function () { globalThis.order.push("a"); });
				ctx.onCleanup(function () { globalThis.order.push("b"); });
				ctx.onCleanup(function () { globalThis.order.push("c"); });
			},
		});
	`, true)

	m.Destroy()

	order, ok := jsGlobal(t, m, "order").([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"c", "b", "a"}, order)

	// A second destroy must not rerun anything.
	m.Destroy()
	order, _ = jsGlobal(t, m, "order").([]interface{})
	assert.Len(t, order, 3)
}

func TestDestroyHookRunsBeforeCleanupDrain(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `
		globalThis.order = [];
		__flatnasRegister({
			init: function (ctx) {
				ctx.onCleanup(function () { globalThis.order.push("cleanup"); });
			},
			destroy: function (ctx) { globalThis.order.push("destroy"); },
		});
	`, true)
	require.Equal(t, 1, doc.UnitCount())

	m.Destroy()

	order, ok := jsGlobal(t, m, "order").([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"destroy", "cleanup"}, order)
	assert.Equal(t, 0, doc.UnitCount())
	assert.True(t, m.Status().Idle)
}

func TestDestroyWithNothingAdoptedIsNoOp(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	m.Destroy()
	m.Destroy()

	status := m.Status()
	assert.True(t, status.Idle)
	assert.Equal(t, uint64(2), status.Generation)
	assert.Equal(t, 0, doc.UnitCount())
}

func TestConcurrentApplySecondWins(t *testing.T) {
	m, _, _ := newTestManager(t, 50*time.Millisecond)

	slow := `
		var end = Date.now() + 150;
		while (Date.now() < end) {}
		__flatnasRegister({
			init: function (ctx) { globalThis.winner = "A"; },
		});
	`
	fast := `
		__flatnasRegister({
			init: function (ctx) { globalThis.winner = "B"; },
		});
	`

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Apply(context.Background(), slow, true)
	}()

	// Let the slow unit start executing, then supersede it.
	time.Sleep(30 * time.Millisecond)
	m.Apply(context.Background(), fast, true)
	wg.Wait()

	// The slow unit's registration arrived under a stale token and was
	// discarded; its init never ran.
	assert.Equal(t, "B", jsGlobal(t, m, "winner"))
	assert.True(t, m.Status().HasInit)
}

func TestCancelledContextSkipsLoad(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.Apply(ctx, `__flatnasRegister({ init: function () {} });`, true)

	assert.True(t, m.Status().Idle)
	assert.Equal(t, 0, doc.UnitCount())
}

func TestCapabilityEventRoundTrip(t *testing.T) {
	m, _, eventBus := newTestManager(t, 50*time.Millisecond)

	received := make(chan interface{}, 1)
	eventBus.Subscribe("from-script", func(detail interface{}) {
		received <- detail
	})

	m.Apply(context.Background(), `
		globalThis.pings = 0;
		__flatnasRegister({
			init: function (ctx) {
				ctx.on("ping", function (detail) { globalThis.pings++; });
				ctx.emit("from-script", { value: 7 });
			},
		});
	`, true)

	select {
	case detail := <-received:
		payload, ok := detail.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, int64(7), payload["value"])
	case <-time.After(time.Second):
		t.Fatal("script emit never reached the bus")
	}

	eventBus.Emit("ping", nil)
	assert.Eventually(t, func() bool {
		n, _ := jsGlobal(t, m, "pings").(int64)
		return n == 1
	}, time.Second, 10*time.Millisecond)

	// Teardown drains the subscription with the other cleanups.
	m.Destroy()
	eventBus.Emit("ping", nil)
	time.Sleep(100 * time.Millisecond)
	n, _ := jsGlobal(t, m, "pings").(int64)
	assert.Equal(t, int64(1), n)
}

func TestQueuedEventDeliveryDiscardedAfterDestroy(t *testing.T) {
	m, _, eventBus := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `
		globalThis.pings = 0;
		__flatnasRegister({
			init: function (ctx) {
				ctx.on("ping", function (detail) { globalThis.pings++; });
			},
		});
	`, true)

	// Hold the VM so the delivery queued by the emit cannot enter it
	// until after teardown has finished.
	<-m.rt.entry
	eventBus.Emit("ping", nil)
	m.Destroy()
	m.rt.entry <- struct{}{}

	time.Sleep(100 * time.Millisecond)
	n, _ := jsGlobal(t, m, "pings").(int64)
	assert.Equal(t, int64(0), n)
}

func TestCapabilityQueriesScopedToRoot(t *testing.T) {
	page := `<html><body>
		<div id="outside"></div>
		<main id="` + host.RootID + `"><div id="inside" class="w"></div><div class="w"></div></main>
	</body></html>`
	doc, err := host.New(page, nil)
	require.NoError(t, err)
	m := NewManager(Config{
		DebounceQuiet: 50 * time.Millisecond,
		ExecTimeout:   time.Second,
	}, doc, bus.New("flatnas", nil), nil, nil)

	m.Apply(context.Background(), `
		__flatnasRegister({
			init: function (ctx) {
				globalThis.foundInside = ctx.query("#inside") !== null;
				globalThis.foundOutside = ctx.query("#outside") !== null;
				globalThis.widgetCount = ctx.queryAll(".w").length;
				globalThis.rootTag = ctx.root().tagName;
			},
		});
	`, true)

	assert.Equal(t, true, jsGlobal(t, m, "foundInside"))
	assert.Equal(t, false, jsGlobal(t, m, "foundOutside"))
	assert.Equal(t, int64(2), jsGlobal(t, m, "widgetCount"))
	assert.Equal(t, "main", jsGlobal(t, m, "rootTag"))
}

func TestCapabilityDegradesWhenRootAbsent(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	doc.Remove("#" + host.RootID)
	require.False(t, doc.RootExists())

	m.Apply(context.Background(), `
		__flatnasRegister({
			init: function (ctx) {
				globalThis.rootIsNull = ctx.root() === null;
				globalThis.queryIsNull = ctx.query("div") === null;
				globalThis.allEmpty = ctx.queryAll("div").length === 0;
			},
		});
	`, true)

	assert.Equal(t, true, jsGlobal(t, m, "rootIsNull"))
	assert.Equal(t, true, jsGlobal(t, m, "queryIsNull"))
	assert.Equal(t, true, jsGlobal(t, m, "allEmpty"))
}

func TestElementProxyAttrWrite(t *testing.T) {
	m, doc, _ := newTestManager(t, 30*time.Millisecond)

	m.Apply(context.Background(), `
		__flatnasRegister({
			init: function (ctx) {
				ctx.root().setAttr("data-from-script", "yes");
			},
		});
	`, true)

	root, ok := doc.RootNode()
	require.True(t, ok)
	v, ok := doc.NodeAttr(root, "data-from-script")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)
}

func TestModuleStyleScriptAdoptsViaDefaultExport(t *testing.T) {
	m, _, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `"use module";
		const state = { count: 0 };
		export default {
			init: function (ctx) { globalThis.moduleInit = true; },
		};
	`, true)

	assert.True(t, m.Status().HasInit)
	assert.Equal(t, true, jsGlobal(t, m, "moduleInit"))
	// Module scoping keeps locals off the shared global scope.
	assert.Nil(t, jsGlobal(t, m, "state"))
}

func TestAsyncScriptRegistersAfterAwait(t *testing.T) {
	m, _, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `
		await Promise.resolve();
		__flatnasRegister({
			init: function (ctx) { globalThis.asyncInit = true; },
		});
	`, true)

	// The job queue drains before the unit run returns, so the
	// post-await registration is visible synchronously.
	assert.True(t, m.Status().HasInit)
	assert.Equal(t, true, jsGlobal(t, m, "asyncInit"))
}

func TestApplyReplacesPreviousGeneration(t *testing.T) {
	m, doc, _ := newTestManager(t, 50*time.Millisecond)

	m.Apply(context.Background(), `
		globalThis.log = [];
		__flatnasRegister({
			init: function (ctx) { globalThis.log.push("init1"); },
			destroy: function (ctx) { globalThis.log.push("destroy1"); },
		});
	`, true)
	first := m.Status().UnitID
	require.NotEmpty(t, first)

	m.Apply(context.Background(), `
		__flatnasRegister({
			init: function (ctx) { globalThis.log.push("init2"); },
		});
	`, true)

	log, ok := jsGlobal(t, m, "log").([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"init1", "destroy1", "init2"}, log)
	assert.Equal(t, 1, doc.UnitCount())
	assert.NotEqual(t, first, m.Status().UnitID)
}
