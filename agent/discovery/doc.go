// Package discovery provides the agent registry used by the router.
//
// The registry is a process-scoped catalog of [a2a.AgentDescriptor] values
// keyed by agent id. Descriptors are immutable once registered: the registry
// stores a deep copy and hands out copies. A verb index supports capability
// lookups across agents.
//
// # Basic Usage
//
//	reg := discovery.NewRegistry(logger)
//	if err := reg.Register(desc); err != nil {
//	    return err
//	}
//	if reg.Supports("automl.v1", a2a.VerbCall) {
//	    ...
//	}
//
// # Thread Safety
//
// All methods are safe for concurrent use. Reads take a read lock.
package discovery
