package script

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/flatnas/scripthost/internal/bus"
	"github.com/flatnas/scripthost/internal/host"
	"github.com/flatnas/scripthost/internal/infrastructure/logging"
	"github.com/flatnas/scripthost/internal/infrastructure/monitoring"
)

// buildContext constructs the capability context object handed to every
// lifecycle hook. It is built once per manager and shared across
// generations; its root accessor resolves the live document on every
// call rather than caching a node. generation reports the manager's
// current token so per-generation subscriptions can discard stale
// deliveries.
func buildContext(
	rt *Runtime,
	doc *host.Document,
	eventBus *bus.Bus,
	cleanups *CleanupRegistry,
	generation func() uint64,
	metrics *monitoring.Metrics,
	logger *logging.Logger,
) goja.Value {
	log := logger.Named("capability")

	var ctxVal goja.Value
	rt.with(func(vm *goja.Runtime) error {
		obj := vm.NewObject()

		obj.Set("root", func(call goja.FunctionCall) goja.Value {
			n, ok := doc.RootNode()
			if !ok {
				return goja.Null()
			}
			return vm.ToValue(elementProxy(doc, n))
		})

		obj.Set("query", func(call goja.FunctionCall) goja.Value {
			nodes := doc.QueryNodes(call.Argument(0).String())
			if len(nodes) == 0 {
				return goja.Null()
			}
			return vm.ToValue(elementProxy(doc, nodes[0]))
		})

		obj.Set("queryAll", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(proxyAll(doc, doc.QueryNodes(call.Argument(0).String())))
		})

		obj.Set("xpath", func(call goja.FunctionCall) goja.Value {
			expr := call.Argument(0).String()
			nodes, err := doc.XPathNodes(expr)
			if err != nil {
				log.Warn("xpath query failed", zap.String("expr", expr), zap.Error(err))
				nodes = nil
			}
			return vm.ToValue(proxyAll(doc, nodes))
		})

		obj.Set("onCleanup", func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				return goja.Undefined()
			}
			cleanups.Register(func() {
				rt.with(func(vm *goja.Runtime) error {
					if _, err := fn(goja.Undefined()); err != nil {
						log.Warn("cleanup callback failed", zap.Error(err))
					}
					return nil
				})
			})
			return goja.Undefined()
		})

		obj.Set("on", func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			fn, ok := goja.AssertFunction(call.Argument(1))
			if !ok {
				return goja.Undefined()
			}

			// The subscription belongs to the generation whose hook is
			// currently running.
			gen := generation()
			unsub := eventBus.Subscribe(name, func(detail interface{}) {
				// Delivery re-enters the VM, so it is queued off the
				// emitting goroutine: hosted code may emit from inside
				// a hook without deadlocking its own listeners. The
				// token is checked again once the VM is held, so a
				// delivery that queued just before teardown is
				// discarded instead of running after the generation's
				// cleanups drained.
				go func() {
					if generation() != gen {
						return
					}
					rt.with(func(vm *goja.Runtime) error {
						if generation() != gen {
							return nil
						}
						if _, err := fn(goja.Undefined(), vm.ToValue(detail)); err != nil {
							log.Warn("event handler failed",
								zap.String("event", name), zap.Error(err))
						}
						return nil
					})
				}()
			})

			// Forgotten subscriptions are reclaimed at teardown.
			cleanups.Register(unsub)

			return vm.ToValue(func(goja.FunctionCall) goja.Value {
				unsub()
				return goja.Undefined()
			})
		})

		obj.Set("emit", func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			detail := call.Argument(1).Export()
			eventBus.Emit(name, detail)
			metrics.ObserveBusEvent("script")
			return goja.Undefined()
		})

		ctxVal = obj
		return nil
	})
	return ctxVal
}

// elementProxy exposes a bounded view of one DOM element to hosted
// code. Reads resolve live state through the document's locks; setAttr
// feeds the mutation stream that drives update scheduling.
func elementProxy(doc *host.Document, n *html.Node) map[string]interface{} {
	id, _ := doc.NodeAttr(n, "id")
	return map[string]interface{}{
		"tagName": n.Data,
		"id":      id,
		"text": func() string {
			return doc.NodeText(n)
		},
		"attr": func(name string) interface{} {
			if v, ok := doc.NodeAttr(n, name); ok {
				return v
			}
			return nil
		},
		"setAttr": func(name, value string) {
			doc.SetNodeAttr(n, name, value)
		},
	}
}

func proxyAll(doc *host.Document, nodes []*html.Node) []interface{} {
	out := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, elementProxy(doc, n))
	}
	return out
}
