package capability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

func newDispatcher(table Table) *Dispatcher {
	tracker := persistence.NewTracker(persistence.NewMemoryTaskStore(), nil)
	return New("worker.v1", table, tracker)
}

func echoTable(runs *atomic.Int32) Table {
	return Table{
		a2a.VerbCall: Validated(
			func(inv *Invocation) error {
				if _, ok := inv.Payload.String("input"); !ok {
					return errors.New("input is required")
				}
				return nil
			},
			func(ctx context.Context, inv *Invocation) (*Outcome, error) {
				runs.Add(1)
				in, _ := inv.Payload.String("input")
				return &Outcome{
					Artifacts: a2a.Artifacts{"echo": {a2a.DataPart(map[string]any{"value": in})}},
					FollowOns: []*a2a.Message{inv.Call("next.v1", a2a.DataPayload(map[string]any{"value": in}))},
				}, nil
			},
		),
	}
}

func input(v string) a2a.Payload {
	return a2a.DataPayload(map[string]any{"input": v})
}

func TestDispatcher_CallCompletes(t *testing.T) {
	var runs atomic.Int32
	d := newDispatcher(echoTable(&runs))

	res, err := d.Handle(context.Background(), "", a2a.VerbCall, input("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, persistence.StateCompleted, res.State)
	v, _ := res.Artifacts.String("echo", "value")
	assert.Equal(t, "hello", v)

	require.Len(t, res.FollowOns, 1)
	f := res.FollowOns[0]
	assert.Equal(t, "worker.v1", f.Sender)
	assert.Equal(t, "next.v1", f.Receiver)
	assert.Equal(t, a2a.VerbCall, f.Verb)
	assert.NotEmpty(t, f.ReplyTo)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatcher_ReplayIsIdempotent(t *testing.T) {
	var runs atomic.Int32
	d := newDispatcher(echoTable(&runs))
	ctx := context.Background()

	first, err := d.Handle(ctx, "t-1", a2a.VerbCall, input("x"))
	require.NoError(t, err)

	second, err := d.Handle(ctx, "t-1", a2a.VerbCall, input("different"))
	require.NoError(t, err)
	assert.Equal(t, persistence.StateCompleted, second.State)
	assert.Equal(t, persistence.NoticeFinished, second.Notice)
	assert.Equal(t, first.Artifacts, second.Artifacts)
	assert.Empty(t, second.FollowOns)
	assert.Equal(t, int32(1), runs.Load())
}

func TestDispatcher_ValidationFailure(t *testing.T) {
	var runs atomic.Int32
	d := newDispatcher(echoTable(&runs))

	res, err := d.Handle(context.Background(), "t-v", a2a.VerbCall, a2a.Payload{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
	e, _ := types.AsError(err)
	assert.Equal(t, "t-v", e.TaskID)

	require.NotNil(t, res)
	assert.Equal(t, persistence.StateFailed, res.State)
	assert.Empty(t, res.FollowOns)
	assert.Equal(t, int32(0), runs.Load())

	code, _ := res.Artifacts.String(persistence.ErrorArtifactName, "code")
	assert.Equal(t, "VALIDATION", code)
}

func TestDispatcher_BackendFailureIsInResult(t *testing.T) {
	d := newDispatcher(Table{
		a2a.VerbCall: HandlerFunc(func(context.Context, *Invocation) (*Outcome, error) {
			return nil, errors.New("service unavailable")
		}),
	})
	res, err := d.Handle(context.Background(), "t-b", a2a.VerbCall, a2a.Payload{})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	require.NotNil(t, res.Error)
	assert.Equal(t, types.ErrBackend, res.Error.Code)
	assert.Contains(t, res.Error.Message, "service unavailable")

	status, err := d.Handle(context.Background(), "t-b", a2a.VerbGetStatus, a2a.Payload{})
	require.NoError(t, err)
	assert.Equal(t, persistence.StateFailed, status.State)
}

func TestDispatcher_HandlerPanicBecomesBackendFailure(t *testing.T) {
	d := newDispatcher(Table{
		a2a.VerbCall: HandlerFunc(func(context.Context, *Invocation) (*Outcome, error) {
			panic("nil map")
		}),
	})
	res, err := d.Handle(context.Background(), "t-p", a2a.VerbCall, a2a.Payload{})
	require.NoError(t, err)
	assert.Equal(t, persistence.StateFailed, res.State)
	assert.Equal(t, types.ErrBackend, res.Error.Code)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatcher_UnsupportedVerb(t *testing.T) {
	d := newDispatcher(Table{})
	res, err := d.Handle(context.Background(), "t-u", "train_everything", a2a.Payload{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedVerb))
	assert.Equal(t, persistence.StateFailed, res.State)
	assert.Equal(t, types.ErrUnsupportedVerb, res.Error.Code)
}

func TestDispatcher_UnsupportedVerbLeavesWorkingTask(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	d := newDispatcher(Table{
		a2a.VerbCall: HandlerFunc(func(ctx context.Context, inv *Invocation) (*Outcome, error) {
			close(started)
			<-release
			return &Outcome{Artifacts: a2a.Artifacts{"done": {a2a.TextPart("ok")}}}, nil
		}),
	})

	done := make(chan *Result, 1)
	go func() {
		res, _ := d.Handle(context.Background(), "t-w", a2a.VerbCall, a2a.Payload{})
		done <- res
	}()
	<-started

	res, err := d.Handle(context.Background(), "t-w", "train_everything", a2a.Payload{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedVerb))
	assert.Equal(t, persistence.StateWorking, res.State)
	assert.Equal(t, persistence.NoticeInProgress, res.Notice)

	close(release)
	owner := <-done
	require.NotNil(t, owner)
	assert.Equal(t, persistence.StateCompleted, owner.State)
	assert.Contains(t, owner.Artifacts, "done")
}

func TestDispatcher_CustomVerbsSharePipeline(t *testing.T) {
	var runs atomic.Int32
	table := echoTable(&runs)
	table["process_dataset"] = table[a2a.VerbCall]
	table[a2a.VerbGetStatus] = HandlerFunc(func(context.Context, *Invocation) (*Outcome, error) {
		t.Fatal("GET_STATUS must be served by the dispatcher")
		return nil, nil
	})
	d := newDispatcher(table)

	assert.Equal(t, []a2a.Verb{"CALL", "CANCEL", "GET_STATUS", "process_dataset"}, d.Verbs())

	res, err := d.Handle(context.Background(), "t-c", "process_dataset", input("y"))
	require.NoError(t, err)
	assert.Equal(t, persistence.StateCompleted, res.State)

	res, err = d.Handle(context.Background(), "t-c", a2a.VerbGetStatus, a2a.Payload{})
	require.NoError(t, err)
	assert.Equal(t, persistence.StateCompleted, res.State)
}

func TestDispatcher_ConcurrentCallsExecuteOnce(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	d := newDispatcher(Table{
		a2a.VerbCall: HandlerFunc(func(ctx context.Context, inv *Invocation) (*Outcome, error) {
			runs.Add(1)
			<-release
			return &Outcome{Artifacts: a2a.Artifacts{"done": {a2a.TextPart("yes")}}}, nil
		}),
	})

	const callers = 16
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := d.Handle(context.Background(), "shared", a2a.VerbCall, a2a.Payload{})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	// wait until the owner is running, then let every other caller observe it
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	var completed, notices int
	for _, r := range results {
		switch {
		case r.Notice == persistence.NoticeInProgress || r.Notice == persistence.NoticeFinished:
			notices++
		case r.State == persistence.StateCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, callers-1, notices)
}

func TestDispatcher_GetStatusDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	d := newDispatcher(Table{
		a2a.VerbCall: HandlerFunc(func(ctx context.Context, inv *Invocation) (*Outcome, error) {
			close(started)
			<-release
			return &Outcome{}, nil
		}),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Handle(context.Background(), "t-s", a2a.VerbCall, a2a.Payload{})
	}()
	<-started

	res, err := d.Handle(context.Background(), "t-s", a2a.VerbGetStatus, a2a.Payload{})
	require.NoError(t, err)
	assert.Equal(t, persistence.StateWorking, res.State)

	close(release)
	<-done
}

func TestDispatcher_CancelWorkingTask(t *testing.T) {
	started := make(chan struct{})
	d := newDispatcher(Table{
		a2a.VerbCall: HandlerFunc(func(ctx context.Context, inv *Invocation) (*Outcome, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	type out struct {
		res *Result
		err error
	}
	ch := make(chan out, 1)
	go func() {
		res, err := d.Handle(context.Background(), "t-x", a2a.VerbCall, a2a.Payload{})
		ch <- out{res, err}
	}()
	<-started

	cres, err := d.Handle(context.Background(), "t-x", a2a.VerbCancel, a2a.Payload{})
	require.NoError(t, err)
	assert.Equal(t, persistence.NoticeCancelRequested, cres.Notice)

	got := <-ch
	require.NoError(t, got.err)
	assert.Equal(t, persistence.StateCanceled, got.res.State)

	again, err := d.Handle(context.Background(), "t-x", a2a.VerbCancel, a2a.Payload{})
	require.NoError(t, err)
	assert.Equal(t, persistence.NoticeFinished, again.Notice)
}

func TestDispatcher_CancelSubmittedTask(t *testing.T) {
	var runs atomic.Int32
	d := newDispatcher(echoTable(&runs))
	res, err := d.Handle(context.Background(), "t-early", a2a.VerbCancel, a2a.Payload{})
	require.NoError(t, err)
	assert.Equal(t, persistence.StateCanceled, res.State)

	res, err = d.Handle(context.Background(), "t-early", a2a.VerbCall, input("x"))
	require.NoError(t, err)
	assert.Equal(t, persistence.StateCanceled, res.State)
	assert.Equal(t, persistence.NoticeFinished, res.Notice)
	assert.Equal(t, int32(0), runs.Load())
}

func TestDispatcher_StatusAndCancelRequireTaskID(t *testing.T) {
	d := newDispatcher(Table{})
	_, err := d.Handle(context.Background(), "", a2a.VerbGetStatus, a2a.Payload{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	_, err = d.Handle(context.Background(), "", a2a.VerbCancel, a2a.Payload{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestDispatcher_EventInbox(t *testing.T) {
	var seen atomic.Int32
	tracker := persistence.NewTracker(persistence.NewMemoryTaskStore(), nil)
	d := New("compliance.v1", Table{
		a2a.VerbEvent: HandlerFunc(func(ctx context.Context, inv *Invocation) (*Outcome, error) {
			seen.Add(1)
			return nil, nil
		}),
	}, tracker, WithInboxSize(2))

	for _, text := range []string{"one", "two", "three"} {
		res, err := d.Handle(context.Background(), "t-e", a2a.VerbEvent, a2a.NewPayload(a2a.TextPart(text)))
		require.NoError(t, err)
		assert.Empty(t, res.State)
	}
	assert.Equal(t, int32(3), seen.Load())

	inbox := d.Inbox()
	require.Len(t, inbox, 2)
	assert.Equal(t, "two", inbox[0].Payload.Text())
	assert.Equal(t, "three", inbox[1].Payload.Text())

	// events do not touch the task state machine
	_, err := tracker.Store().Get(context.Background(), "compliance.v1", "t-e")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestProperty_StatusBeforeCallIsSubmitted(t *testing.T) {
	var runs atomic.Int32
	d := newDispatcher(echoTable(&runs))
	rapid.Check(t, func(rt *rapid.T) {
		taskID := rapid.StringMatching(`[a-z0-9-]{1,24}`).Draw(rt, "task")
		res, err := d.Handle(context.Background(), "unseen-"+taskID, a2a.VerbGetStatus, a2a.Payload{})
		require.NoError(rt, err)
		assert.Equal(rt, persistence.StateSubmitted, res.State)
		assert.Empty(rt, res.Artifacts)
	})
	assert.Equal(t, int32(0), runs.Load())
}

func TestProperty_CallNeverLeavesWorking(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mode := rapid.IntRange(0, 3).Draw(rt, "mode")
		d := newDispatcher(Table{
			a2a.VerbCall: Validated(
				func(*Invocation) error {
					if mode == 0 {
						return errors.New("bad")
					}
					return nil
				},
				func(context.Context, *Invocation) (*Outcome, error) {
					switch mode {
					case 1:
						return nil, errors.New("backend down")
					case 2:
						panic("boom")
					}
					return &Outcome{}, nil
				},
			),
		})
		res, _ := d.Handle(context.Background(), "", a2a.VerbCall, a2a.Payload{})
		require.NotNil(rt, res)
		assert.Contains(rt, []persistence.TaskState{persistence.StateCompleted, persistence.StateFailed}, res.State)

		status, err := d.Handle(context.Background(), res.TaskID, a2a.VerbGetStatus, a2a.Payload{})
		require.NoError(rt, err)
		assert.Equal(rt, res.State, status.State)
	})
}
