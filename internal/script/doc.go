/*
Package script implements the dynamic script lifecycle manager: it
injects user-authored JavaScript into a long-lived host, hands it a
bounded capability surface, and guarantees clean replacement or removal
of a previous instance before a new one starts.

# Overview

A configuration change (new script text or a toggled consent flag)
enters the Manager. It tears down the previous generation (pending
update cancelled, watcher stopped, destroy hook invoked, cleanup
entries drained in reverse order, executable unit removed), then builds
and runs the new unit, adopts the hooks the script hands back, and
starts watching the host document for changes.

# Handoff contract

Hosted script text participates by either calling the well-known
registration function with an object containing any subset of
init/update/destroy, or assigning that shape to the well-known export
name before finishing:

	__flatnasRegister({ init(ctx) {...}, update(ctx) {...} });

	// or
	globalThis.FlatNasCustom = { update(ctx) {...} };

Every hook receives the capability context: root()/query()/queryAll()/
xpath() scoped under the mount root, onCleanup(fn), and the namespaced
event bus via on()/emit().

# Generations

Each apply/destroy cycle is one generation, identified by a
monotonically increasing token. The token is the sole cancellation
primitive: script completions, debounce fires, and late registrations
are all discarded when their token no longer matches.

# Fault isolation

Every call into hosted code is a fallible boundary call. A throwing
hook or cleanup callback is logged and counted; it never aborts the
surrounding lifecycle step and never surfaces to the caller of Apply or
Destroy. A runaway script is interrupted after the configured timeout.
*/
package script
