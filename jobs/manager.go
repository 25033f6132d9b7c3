// Package jobs queues G-code jobs by priority and tracks the one job that
// is running.
package jobs

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNoActiveJob = errors.New("no active job")
	ErrJobActive   = errors.New("a job is already active")
	ErrJobNotFound = errors.New("job not found")
	ErrDuplicateID = errors.New("job id already in use")
)

// Manager owns every job it is given. Jobs live in a single table keyed by
// id; the queue, active slot and completed list refer to them by id. Jobs
// handed out by the Manager are copies.
//
// A Manager is safe for concurrent use, but only one caller should drive
// execution through NextJob and SetActiveJob.
type Manager struct {
	mx        sync.Mutex
	jobs      map[string]*Job
	queue     queue
	entries   map[string]*entry
	seq       uint64
	active    string
	completed []string
}

func NewManager() *Manager {
	return &Manager{
		jobs:    make(map[string]*Job),
		entries: make(map[string]*entry),
	}
}

// QueueJob adds j to the queue and returns its id. A missing id is filled
// in and priority is clamped.
func (m *Manager) QueueJob(j Job) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Priority = ClampPriority(int(j.Priority))

	m.mx.Lock()
	defer m.mx.Unlock()

	if _, ok := m.jobs[j.ID]; ok {
		return "", ErrDuplicateID
	}
	m.jobs[j.ID] = &j
	e := &entry{id: j.ID, priority: j.Priority, seq: m.seq}
	m.seq++
	m.entries[j.ID] = e
	heap.Push(&m.queue, e)
	return j.ID, nil
}

// NextJob removes the highest priority job from the queue and hands it to
// the caller.
func (m *Manager) NextJob() (Job, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.queue.Len() == 0 {
		return Job{}, false
	}
	e := heap.Pop(&m.queue).(*entry)
	delete(m.entries, e.id)
	j := m.jobs[e.id]
	delete(m.jobs, e.id)
	return *j, true
}

// SetActiveJob takes ownership of j as the active job and starts it.
func (m *Manager) SetActiveJob(j Job) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.active != "" {
		return ErrJobActive
	}
	if _, ok := m.jobs[j.ID]; ok {
		return ErrDuplicateID
	}
	if j.State != Running {
		err := j.Start()
		if err != nil {
			return err
		}
	}
	m.jobs[j.ID] = &j
	m.active = j.ID
	return nil
}

// ActiveJob returns a copy of the active job.
func (m *Manager) ActiveJob() (Job, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.active == "" {
		return Job{}, false
	}
	return *m.jobs[m.active], true
}

// withActive runs fn on the active job and returns a copy of the result.
func (m *Manager) withActive(fn func(j *Job) error) (Job, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.active == "" {
		return Job{}, ErrNoActiveJob
	}
	j := m.jobs[m.active]
	err := fn(j)
	if err != nil {
		return *j, err
	}
	if j.State.Terminal() {
		m.completed = append(m.completed, j.ID)
		m.active = ""
	}
	return *j, nil
}

// UpdateActiveProgress records that n lines of the active job are done.
func (m *Manager) UpdateActiveProgress(n int) (Job, error) {
	return m.withActive(func(j *Job) error {
		j.UpdateProgress(n)
		return nil
	})
}

func (m *Manager) PauseActiveJob() (Job, error) {
	return m.withActive(func(j *Job) error { return j.Pause() })
}

func (m *Manager) ResumeActiveJob() (Job, error) {
	return m.withActive(func(j *Job) error { return j.Resume() })
}

// CompleteActiveJob marks the active job completed and moves it to the
// completed list.
func (m *Manager) CompleteActiveJob() (Job, error) {
	return m.withActive(func(j *Job) error { return j.Complete() })
}

// FailActiveJob marks the active job failed and moves it to the completed
// list.
func (m *Manager) FailActiveJob(msg string) (Job, error) {
	return m.withActive(func(j *Job) error { return j.Fail(msg) })
}

func (m *Manager) CancelActiveJob() (Job, error) {
	return m.withActive(func(j *Job) error { return j.Cancel() })
}

// CancelJob cancels a queued or active job.
func (m *Manager) CancelJob(id string) (Job, error) {
	m.mx.Lock()
	if id != "" && id == m.active {
		m.mx.Unlock()
		return m.CancelActiveJob()
	}
	defer m.mx.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	heap.Remove(&m.queue, e.index)
	delete(m.entries, id)
	j := m.jobs[id]
	err := j.Cancel()
	if err != nil {
		return *j, err
	}
	m.completed = append(m.completed, id)
	return *j, nil
}

// Job returns a copy of a queued, active or completed job.
func (m *Manager) Job(id string) (Job, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (m *Manager) QueueLength() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.queue.Len()
}

// QueuedJobs returns the queue in the order NextJob would return it.
func (m *Manager) QueuedJobs() []Job {
	m.mx.Lock()
	defer m.mx.Unlock()

	entries := make([]*entry, len(m.queue))
	copy(entries, m.queue)
	sort.Slice(entries, func(i, j int) bool { return entries[i].before(entries[j]) })

	res := make([]Job, len(entries))
	for i, e := range entries {
		res[i] = *m.jobs[e.id]
	}
	return res
}

// CompletedJobs returns finished jobs in the order they finished.
func (m *Manager) CompletedJobs() []Job {
	m.mx.Lock()
	defer m.mx.Unlock()
	res := make([]Job, len(m.completed))
	for i, id := range m.completed {
		res[i] = *m.jobs[id]
	}
	return res
}

func (m *Manager) CompletedCount() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.completed)
}

// ClearCompleted drops all finished jobs and returns how many there were.
func (m *Manager) ClearCompleted() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	n := len(m.completed)
	for _, id := range m.completed {
		delete(m.jobs, id)
	}
	m.completed = nil
	return n
}
