// Package capability implements the per-agent dispatcher that applies the
// task lifecycle contract to a table of verb handlers.
package capability

import (
	"context"

	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
)

// Invocation is the input of one handler call.
type Invocation struct {
	AgentID string
	TaskID  string
	Verb    a2a.Verb
	// Message is the inbound message. Follow-ons are derived from it.
	Message *a2a.Message
	Payload a2a.Payload
}

// Call derives a follow-on CALL to receiver. The router assigns it a new task.
func (inv *Invocation) Call(receiver string, payload a2a.Payload) *a2a.Message {
	return inv.Message.FollowOn(receiver, a2a.VerbCall, "", payload)
}

// Event derives a follow-on EVENT to receiver bound to the current task.
func (inv *Invocation) Event(receiver string, payload a2a.Payload) *a2a.Message {
	return inv.Message.FollowOn(receiver, a2a.VerbEvent, inv.TaskID, payload)
}

// Outcome is what a successful handler produced.
type Outcome struct {
	Artifacts a2a.Artifacts
	Notice    string
	FollowOns []*a2a.Message
}

// Handler serves one verb of an agent.
type Handler interface {
	// Validate checks the invocation before any work. It runs after the
	// task entered WORKING and must not call the backend.
	Validate(inv *Invocation) error

	// Run performs the work. It runs outside every task lock and must
	// honor ctx.
	Run(ctx context.Context, inv *Invocation) (*Outcome, error)
}

// HandlerFunc adapts a function to Handler with no validation step.
type HandlerFunc func(ctx context.Context, inv *Invocation) (*Outcome, error)

// Validate implements Handler.
func (f HandlerFunc) Validate(*Invocation) error { return nil }

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, inv *Invocation) (*Outcome, error) { return f(ctx, inv) }

type validated struct {
	validate func(*Invocation) error
	run      HandlerFunc
}

func (v validated) Validate(inv *Invocation) error { return v.validate(inv) }

func (v validated) Run(ctx context.Context, inv *Invocation) (*Outcome, error) {
	return v.run(ctx, inv)
}

// Validated pairs a validation step with a handler function.
func Validated(validate func(*Invocation) error, run HandlerFunc) Handler {
	return validated{validate: validate, run: run}
}

// Table maps verbs to handlers. GET_STATUS and CANCEL are served by the
// dispatcher itself and are ignored if present.
type Table map[a2a.Verb]Handler
