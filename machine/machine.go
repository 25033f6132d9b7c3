// Package machine runs queued G-code jobs against a GRBL controller one
// acknowledged line at a time.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mastercactapus/gcnc/jobs"
	"github.com/mastercactapus/gcnc/machine/grbl"
	"github.com/mastercactapus/gcnc/optimize"
	"github.com/mastercactapus/gcnc/validate"
)

// An Executor sends one line and blocks until the device acknowledges it.
// *grbl.Controller is the production implementation.
type Executor interface {
	Execute(ctx context.Context, line string) error
}

// A Recorder stores job snapshots. It is called on every state change and
// periodically while a job streams.
type Recorder interface {
	Save(ctx context.Context, j jobs.Job) error
}

// progressEvery is how many acknowledged lines pass between progress
// snapshots sent to the Recorder.
const progressEvery = 50

type request int

const (
	requestNone request = iota
	requestPause
	requestCancel
)

// Machine validates and optimizes submitted programs, queues them, and
// streams the active job to an Executor.
type Machine struct {
	exec Executor
	val  *validate.Validator
	opt  *optimize.Optimizer
	jobs *jobs.Manager
	log  *zap.Logger

	recMx sync.RWMutex
	rec   Recorder

	// runMx is held while a job streams.
	runMx sync.Mutex

	mx        sync.Mutex
	streaming bool
	request   request

	notify chan struct{}
}

// New returns a Machine. A nil validator or optimizer skips that step.
func New(exec Executor, val *validate.Validator, opt *optimize.Optimizer, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		exec:   exec,
		val:    val,
		opt:    opt,
		jobs:   jobs.NewManager(),
		log:    log,
		notify: make(chan struct{}, 1),
	}
}

// Jobs returns the underlying queue. Changing job state through it
// bypasses the Recorder.
func (m *Machine) Jobs() *jobs.Manager { return m.jobs }

func (m *Machine) SetRecorder(r Recorder) {
	m.recMx.Lock()
	m.rec = r
	m.recMx.Unlock()
}

func (m *Machine) record(ctx context.Context, j jobs.Job) {
	m.recMx.RLock()
	rec := m.rec
	m.recMx.RUnlock()
	if rec == nil {
		return
	}
	err := rec.Save(context.WithoutCancel(ctx), j)
	if err != nil {
		m.log.Error("record job", zap.String("job", j.ID), zap.Error(err))
	}
}

func (m *Machine) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Submit validates program, optimizes it and queues the result. Blocking
// issues return a *RejectedError and nothing is queued. The non-blocking
// issues are returned with the job.
func (m *Machine) Submit(ctx context.Context, name, program string, priority int) (jobs.Job, []validate.Issue, error) {
	var issues []validate.Issue
	if m.val != nil {
		issues = m.val.ValidateProgram(program)
		if validate.HasBlocking(issues) {
			return jobs.Job{}, issues, &RejectedError{Issues: issues}
		}
	}
	if m.opt != nil {
		out, err := m.opt.Optimize(program)
		if err != nil {
			return jobs.Job{}, issues, fmt.Errorf("optimize %q: %w", name, err)
		}
		m.log.Debug("optimized program", zap.String("name", name), zap.Any("stats", optimize.GetStats(program, out)))
		program = out
	}

	j := jobs.NewJob(name, program, priority)
	_, err := m.jobs.QueueJob(j)
	if err != nil {
		return jobs.Job{}, issues, err
	}
	m.log.Info("job queued",
		zap.String("job", j.ID),
		zap.String("name", name),
		zap.Int("priority", int(j.Priority)),
		zap.Int("lines", j.TotalLines),
	)
	m.record(ctx, j)
	m.wake()
	return j, issues, nil
}

// Restore queues a previously stored job without validating it again.
// Unfinished jobs go back to pending and keep their progress so streaming
// picks up at CurrentLine.
func (m *Machine) Restore(j jobs.Job) error {
	if j.State.Terminal() {
		return fmt.Errorf("%w: cannot restore %s job", jobs.ErrInvalidTransition, j.State)
	}
	j.State = jobs.Pending
	_, err := m.jobs.QueueJob(j)
	if err != nil {
		return err
	}
	m.wake()
	return nil
}

// RunNext streams the active job if it is running, or else starts the
// next queued job. It returns false when there was nothing to run,
// including when the active job is paused.
//
// The returned job is the final snapshot. An error is returned when the
// job failed or was paused because of the device or ctx.
func (m *Machine) RunNext(ctx context.Context) (jobs.Job, bool, error) {
	m.runMx.Lock()
	defer m.runMx.Unlock()

	j, ok := m.jobs.ActiveJob()
	if ok {
		if j.State != jobs.Running {
			return j, false, nil
		}
	} else {
		j, ok = m.jobs.NextJob()
		if !ok {
			return jobs.Job{}, false, nil
		}
		err := m.jobs.SetActiveJob(j)
		if err != nil {
			return j, false, err
		}
		j, _ = m.jobs.ActiveJob()
		m.log.Info("job started", zap.String("job", j.ID), zap.String("name", j.Name))
		m.record(ctx, j)
	}

	return m.stream(ctx, j)
}

// end applies fn to the active job and stops accepting stream requests.
func (m *Machine) end(ctx context.Context, fn func() (jobs.Job, error)) (jobs.Job, error) {
	m.mx.Lock()
	m.streaming = false
	m.request = requestNone
	j, err := fn()
	m.mx.Unlock()
	if err != nil {
		return j, err
	}
	m.log.Info("job "+string(j.State),
		zap.String("job", j.ID),
		zap.Int("line", j.CurrentLine),
		zap.Int("total", j.TotalLines),
	)
	m.record(ctx, j)
	return j, nil
}

func (m *Machine) stream(ctx context.Context, j jobs.Job) (jobs.Job, bool, error) {
	m.mx.Lock()
	m.streaming = true
	m.request = requestNone
	m.mx.Unlock()

	sent := 0
	for {
		m.mx.Lock()
		req := m.request
		m.mx.Unlock()
		switch req {
		case requestPause:
			j, err := m.end(ctx, m.jobs.PauseActiveJob)
			return j, true, err
		case requestCancel:
			j, err := m.end(ctx, m.jobs.CancelActiveJob)
			return j, true, err
		}

		line, ok := j.NextLine()
		if !ok {
			j, err := m.end(ctx, m.jobs.CompleteActiveJob)
			return j, true, err
		}

		err := m.exec.Execute(ctx, line)
		switch {
		case err == nil:
		case errors.Is(err, grbl.ErrUnacknowledged):
			// The device has the line; count it so resume does not
			// repeat the move.
			m.log.Warn("line not acknowledged",
				zap.String("job", j.ID),
				zap.Int("line", j.CurrentLine+1),
				zap.Error(err),
			)
			if _, perr := m.jobs.UpdateActiveProgress(j.CurrentLine + 1); perr != nil {
				m.mx.Lock()
				m.streaming = false
				m.mx.Unlock()
				return j, true, perr
			}
			j, perr := m.end(ctx, m.jobs.PauseActiveJob)
			if perr != nil {
				return j, true, perr
			}
			return j, true, fmt.Errorf("job %s paused after line %d: %w", j.ID, j.CurrentLine, err)
		case errors.Is(err, grbl.ErrCommand), errors.Is(err, grbl.ErrGrblReset):
			msg := fmt.Sprintf("line %d: %v", j.CurrentLine+1, err)
			j, ferr := m.end(ctx, func() (jobs.Job, error) { return m.jobs.FailActiveJob(msg) })
			if ferr != nil {
				return j, true, ferr
			}
			return j, true, fmt.Errorf("job %s failed: %w", j.ID, err)
		default:
			// The line never reached the device; it is sent again on
			// resume.
			j, perr := m.end(ctx, m.jobs.PauseActiveJob)
			if perr != nil {
				return j, true, perr
			}
			return j, true, fmt.Errorf("job %s paused at line %d: %w", j.ID, j.CurrentLine+1, err)
		}

		j, err = m.jobs.UpdateActiveProgress(j.CurrentLine + 1)
		if err != nil {
			m.mx.Lock()
			m.streaming = false
			m.mx.Unlock()
			return j, true, err
		}
		sent++
		if sent%progressEvery == 0 {
			m.record(ctx, j)
		}
	}
}

// Pause stops the active job after the line in flight is acknowledged.
// A job that is not streaming is paused immediately.
func (m *Machine) Pause(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.streaming {
		if m.request == requestNone {
			m.request = requestPause
		}
		return nil
	}
	j, err := m.jobs.PauseActiveJob()
	if err != nil {
		return err
	}
	m.log.Info("job paused", zap.String("job", j.ID), zap.Int("line", j.CurrentLine))
	m.record(ctx, j)
	return nil
}

// Resume marks the paused active job running again. Run picks it up; a
// caller driving RunNext directly must call it again.
func (m *Machine) Resume(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.streaming && m.request == requestPause {
		m.request = requestNone
		return nil
	}
	j, err := m.jobs.ResumeActiveJob()
	if err != nil {
		return err
	}
	m.log.Info("job resumed", zap.String("job", j.ID), zap.Int("line", j.CurrentLine))
	m.record(ctx, j)
	m.wake()
	return nil
}

// Cancel stops the active job after the line in flight is acknowledged.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.streaming {
		m.request = requestCancel
		return nil
	}
	j, err := m.jobs.CancelActiveJob()
	if err != nil {
		return err
	}
	m.log.Info("job cancelled", zap.String("job", j.ID))
	m.record(ctx, j)
	return nil
}

// CancelJob cancels a queued job, or the active job if id names it.
func (m *Machine) CancelJob(ctx context.Context, id string) error {
	if a, ok := m.jobs.ActiveJob(); ok && a.ID == id {
		return m.Cancel(ctx)
	}
	j, err := m.jobs.CancelJob(id)
	if err != nil {
		return err
	}
	m.log.Info("job cancelled", zap.String("job", j.ID))
	m.record(ctx, j)
	return nil
}

// Run streams jobs until ctx is done. It waits for Submit or Resume when
// there is nothing to run.
func (m *Machine) Run(ctx context.Context) error {
	for {
		j, ran, err := m.RunNext(ctx)
		if err != nil {
			m.log.Error("run job", zap.String("job", j.ID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.notify:
		}
	}
}
