// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package router delivers A2A messages to agent dispatchers and forwards the
follow-on messages they emit.

# Routing

For every message the router validates the envelope, assigns a task id to
new work, resolves the receiver in the [discovery.Registry] and checks that
the receiver advertises the verb. Unknown agents and unsupported verbs are
rejected before any task state changes.

# Forwarding

Follow-on CALLs are routed synchronously, depth first and in emission order,
up to Config.MaxForwardDepth. A failed hop stops the chain. EVENT follow-ons
are handed to a bounded goroutine pool and never awaited.

# Lifecycle

	r := router.New(registry, router.DefaultConfig(), router.WithBus(bus))
	_ = r.Handle(dataprep.AgentID, dispatcher)
	reply, err := r.Route(ctx, msg)
	...
	r.Close() // waits for in-flight routes and drains pending EVENTs
*/
package router
