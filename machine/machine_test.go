package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mastercactapus/gcnc/jobs"
	"github.com/mastercactapus/gcnc/machine/grbl"
	"github.com/mastercactapus/gcnc/optimize"
	"github.com/mastercactapus/gcnc/validate"
)

const square = "G0 X0 Y0\nG1 X10 F100\nG1 Y10"

type fakeExec struct {
	mx      sync.Mutex
	lines   []string
	fail    map[int]error
	gate    chan struct{}
	started chan string
}

func (f *fakeExec) Execute(ctx context.Context, line string) error {
	f.mx.Lock()
	n := len(f.lines)
	f.lines = append(f.lines, line)
	err := f.fail[n]
	f.mx.Unlock()

	if f.started != nil {
		f.started <- line
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeExec) Lines() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeRecorder struct {
	mx     sync.Mutex
	states []jobs.State
}

func (r *fakeRecorder) Save(ctx context.Context, j jobs.Job) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.states = append(r.states, j.State)
	return nil
}

func (r *fakeRecorder) States() []jobs.State {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]jobs.State(nil), r.states...)
}

func TestMachine_SubmitRejected(t *testing.T) {
	m := New(&fakeExec{}, validate.New(validate.V1_0), nil, zaptest.NewLogger(t))

	_, issues, err := m.Submit(context.Background(), "arc", "G0 X0\nG2 X10 Y0 I5 J0 F100", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)

	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, issues, rej.Issues)
	require.NotEmpty(t, rej.Issues)
	assert.Equal(t, 2, rej.Issues[0].Line)
	assert.Equal(t, validate.Error, rej.Issues[0].Severity)
	assert.Contains(t, err.Error(), "1 blocking issues")

	assert.Zero(t, m.Jobs().QueueLength())
}

func TestMachine_SubmitOptimizes(t *testing.T) {
	opt, err := optimize.New(optimize.DefaultOptions())
	require.NoError(t, err)
	rec := &fakeRecorder{}
	m := New(&fakeExec{}, validate.New(validate.V1_1), opt, zaptest.NewLogger(t))
	m.SetRecorder(rec)

	j, issues, err := m.Submit(context.Background(), "precise", "G1   X1.23456 F100\n\n\nG1 Y2.999", 8)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, "G1 X1.23 F100\nG1 Y2.99\n", j.GCode)
	assert.Equal(t, 2, j.TotalLines)
	assert.Equal(t, jobs.PriorityHigh, j.Priority)
	assert.Equal(t, 1, m.Jobs().QueueLength())
	assert.Equal(t, []jobs.State{jobs.Pending}, rec.States())
}

func TestMachine_RunNext(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{}
	rec := &fakeRecorder{}
	m := New(exec, nil, nil, zaptest.NewLogger(t))
	m.SetRecorder(rec)

	_, ran, err := m.RunNext(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	_, _, err = m.Submit(ctx, "low", "G0 Z5", 2)
	require.NoError(t, err)
	_, _, err = m.Submit(ctx, "square", "; comment\n"+square+"\n", 5)
	require.NoError(t, err)

	j, ran, err := m.RunNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "square", j.Name)
	assert.Equal(t, jobs.Completed, j.State)
	assert.Equal(t, 1.0, j.Progress)
	assert.Equal(t, 3, j.CurrentLine)
	assert.Equal(t, []string{"G0 X0 Y0", "G1 X10 F100", "G1 Y10"}, exec.Lines())

	_, ok := m.Jobs().ActiveJob()
	assert.False(t, ok)
	assert.Equal(t, 1, m.Jobs().CompletedCount())
	assert.Equal(t, []jobs.State{jobs.Pending, jobs.Pending, jobs.Running, jobs.Completed}, rec.States())

	j, ran, err = m.RunNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "low", j.Name)
}

func TestMachine_CommandErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{fail: map[int]error{1: &grbl.CommandError{Line: "G1 X10 F100", Code: 20}}}
	m := New(exec, nil, nil, zaptest.NewLogger(t))

	_, _, err := m.Submit(ctx, "square", square, 5)
	require.NoError(t, err)

	j, ran, err := m.RunNext(ctx)
	assert.True(t, ran)
	assert.ErrorIs(t, err, grbl.ErrCommand)
	var cmdErr *grbl.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 20, cmdErr.Code)

	assert.Equal(t, jobs.Failed, j.State)
	assert.Equal(t, 1, j.CurrentLine)
	assert.Contains(t, j.ErrorMessage, "line 2")
	assert.Contains(t, j.ErrorMessage, "error:20")
	assert.Len(t, exec.Lines(), 2)

	_, ok := m.Jobs().ActiveJob()
	assert.False(t, ok)
}

func TestMachine_TransportLossPauses(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{fail: map[int]error{1: grbl.ErrNotConnected}}
	m := New(exec, nil, nil, zaptest.NewLogger(t))

	_, _, err := m.Submit(ctx, "square", square, 5)
	require.NoError(t, err)

	j, ran, err := m.RunNext(ctx)
	assert.True(t, ran)
	assert.ErrorIs(t, err, grbl.ErrNotConnected)
	assert.Equal(t, jobs.Paused, j.State)
	assert.Equal(t, 1, j.CurrentLine)
	assert.Equal(t, "G1 X10 F100\nG1 Y10", j.RemainingGCode())

	// paused jobs wait for an explicit resume
	_, ran, err = m.RunNext(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, m.Resume(ctx))
	j, ran, err = m.RunNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, jobs.Completed, j.State)
	assert.Equal(t, []string{"G0 X0 Y0", "G1 X10 F100", "G1 X10 F100", "G1 Y10"}, exec.Lines())
}

func TestMachine_UnacknowledgedLineNotResent(t *testing.T) {
	ctx := context.Background()
	timeout := fmt.Errorf("%w: %w", grbl.ErrUnacknowledged, grbl.ErrTimeout)
	exec := &fakeExec{fail: map[int]error{1: timeout}}
	m := New(exec, nil, nil, zaptest.NewLogger(t))

	_, _, err := m.Submit(ctx, "relative", "G91\nG1 X10 F100\nG1 Y10", 5)
	require.NoError(t, err)

	j, ran, err := m.RunNext(ctx)
	assert.True(t, ran)
	assert.ErrorIs(t, err, grbl.ErrTimeout)
	assert.Equal(t, jobs.Paused, j.State)
	assert.Equal(t, 2, j.CurrentLine)
	assert.Equal(t, "G1 Y10", j.RemainingGCode())

	require.NoError(t, m.Resume(ctx))
	j, ran, err = m.RunNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, jobs.Completed, j.State)
	assert.Equal(t, []string{"G91", "G1 X10 F100", "G1 Y10"}, exec.Lines())
}

func TestMachine_PauseWhileStreaming(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{gate: make(chan struct{}), started: make(chan string, 10)}
	m := New(exec, nil, nil, zaptest.NewLogger(t))

	_, _, err := m.Submit(ctx, "square", square, 5)
	require.NoError(t, err)

	type result struct {
		j   jobs.Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		j, _, err := m.RunNext(ctx)
		done <- result{j, err}
	}()

	assert.Equal(t, "G0 X0 Y0", <-exec.started)
	require.NoError(t, m.Pause(ctx))
	exec.gate <- struct{}{}

	var res result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("RunNext did not return after pause")
	}
	require.NoError(t, res.err)
	assert.Equal(t, jobs.Paused, res.j.State)
	assert.Equal(t, 1, res.j.CurrentLine)
	assert.Len(t, exec.Lines(), 1)

	require.NoError(t, m.Cancel(ctx))
	_, ok := m.Jobs().ActiveJob()
	assert.False(t, ok)
	completed := m.Jobs().CompletedJobs()
	require.Len(t, completed, 1)
	assert.Equal(t, jobs.Cancelled, completed[0].State)
}

func TestMachine_CancelJob(t *testing.T) {
	ctx := context.Background()
	m := New(&fakeExec{}, nil, nil, zaptest.NewLogger(t))

	a, _, err := m.Submit(ctx, "a", "G0 X1", 5)
	require.NoError(t, err)
	_, _, err = m.Submit(ctx, "b", "G0 X2", 5)
	require.NoError(t, err)

	require.NoError(t, m.CancelJob(ctx, a.ID))
	assert.ErrorIs(t, m.CancelJob(ctx, a.ID), jobs.ErrJobNotFound)
	assert.ErrorIs(t, m.Cancel(ctx), jobs.ErrNoActiveJob)

	j, ran, err := m.RunNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "b", j.Name)
}

func TestMachine_Restore(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{}
	m := New(exec, nil, nil, zaptest.NewLogger(t))

	j := jobs.NewJob("square", square, 5)
	require.NoError(t, j.Start())
	j.UpdateProgress(2)
	require.NoError(t, j.Pause())
	require.NoError(t, m.Restore(j))

	done := jobs.NewJob("done", square, 5)
	require.NoError(t, done.Cancel())
	assert.ErrorIs(t, m.Restore(done), jobs.ErrInvalidTransition)

	res, ran, err := m.RunNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, j.ID, res.ID)
	assert.Equal(t, jobs.Completed, res.State)
	assert.Equal(t, []string{"G1 Y10"}, exec.Lines())
}

func TestMachine_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := New(&fakeExec{}, nil, nil, zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	for _, name := range []string{"one", "two", "three"} {
		_, _, err := m.Submit(ctx, name, square, 5)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return m.Jobs().CompletedCount() == 3
	}, time.Second, 5*time.Millisecond)

	for _, j := range m.Jobs().CompletedJobs() {
		assert.Equal(t, jobs.Completed, j.State, j.Name)
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
