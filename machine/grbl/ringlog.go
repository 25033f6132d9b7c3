package grbl

import "sync"

// DefaultLogSize is the capacity of the command and response logs.
const DefaultLogSize = 1000

// RingLog is a bounded FIFO of lines. Once full, each push evicts the
// oldest entry. It is safe for concurrent use.
type RingLog struct {
	mx    sync.Mutex
	buf   []string
	start int
	n     int
}

func NewRingLog(size int) *RingLog {
	if size < 1 {
		size = 1
	}
	return &RingLog{buf: make([]string, size)}
}

func (r *RingLog) Push(s string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.n == len(r.buf) {
		r.buf[r.start] = s
		r.start = (r.start + 1) % len(r.buf)
		return
	}
	r.buf[(r.start+r.n)%len(r.buf)] = s
	r.n++
}

// Pop removes and returns the oldest entry.
func (r *RingLog) Pop() (string, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.n == 0 {
		return "", false
	}
	s := r.buf[r.start]
	r.buf[r.start] = ""
	r.start = (r.start + 1) % len(r.buf)
	r.n--
	return s, true
}

// Entries returns a copy of the log, oldest first.
func (r *RingLog) Entries() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	res := make([]string, r.n)
	for i := range res {
		res[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return res
}

func (r *RingLog) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.n
}

func (r *RingLog) Clear() {
	r.mx.Lock()
	defer r.mx.Unlock()
	for i := range r.buf {
		r.buf[i] = ""
	}
	r.start, r.n = 0, 0
}
