package router

import "context"

// Future is the pending outcome of Router.Send.
type Future struct {
	done  chan struct{}
	reply *Reply
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(reply *Reply, err error) {
	f.reply, f.err = reply, err
	close(f.done)
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the route finishes or ctx ends. Giving up does not
// cancel the route.
func (f *Future) Await(ctx context.Context) (*Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
