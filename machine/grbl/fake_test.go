package grbl

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/mastercactapus/gcnc/transport"
)

type fakePort struct {
	respond func(line string) []string

	mx      sync.Mutex
	written []byte
	partial string

	lines  chan string
	closed chan struct{}
	gone   chan struct{}
	once   sync.Once
	goneMx sync.Once
}

func newFakePort(respond func(string) []string) *fakePort {
	return &fakePort{
		respond: respond,
		lines:   make(chan string, 100),
		closed:  make(chan struct{}),
		gone:    make(chan struct{}),
	}
}

func isRealtime(b byte) bool {
	return b == '?' || b == '!' || b == '~' || b == SoftReset || b >= 0x80
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, transport.ErrClosed
	default:
	}

	var replies []string
	p.mx.Lock()
	p.written = append(p.written, b...)
	for _, c := range b {
		if isRealtime(c) {
			continue
		}
		if c != '\n' {
			p.partial += string(c)
			continue
		}
		if p.respond != nil {
			replies = append(replies, p.respond(p.partial)...)
		}
		p.partial = ""
	}
	p.mx.Unlock()

	for _, r := range replies {
		p.lines <- r
	}
	return len(b), nil
}

func (p *fakePort) ReadLine() (string, error) {
	select {
	case l := <-p.lines:
		return l, nil
	case <-p.closed:
		return "", transport.ErrClosed
	case <-p.gone:
		return "", io.EOF
	}
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// unplug simulates the device going away.
func (p *fakePort) unplug() { p.goneMx.Do(func() { close(p.gone) }) }

func (p *fakePort) Written() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return string(p.written)
}

func (p *fakePort) WrittenLines() []string {
	return strings.Split(strings.TrimRight(p.Written(), "\n"), "\n")
}

type fakeOpener struct {
	respond func(string) []string
	failN   int // fail the first failN opens; -1 fails forever

	mx       sync.Mutex
	attempts int
	ports    []*fakePort
}

func (o *fakeOpener) Open(name string, cfg transport.Config) (transport.Port, error) {
	o.mx.Lock()
	defer o.mx.Unlock()
	o.attempts++
	if o.failN < 0 || o.attempts <= o.failN {
		return nil, errors.New("no such device")
	}
	p := newFakePort(o.respond)
	o.ports = append(o.ports, p)
	return p, nil
}

func (o *fakeOpener) Attempts() int {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.attempts
}

func (o *fakeOpener) Port(i int) *fakePort {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.ports[i]
}

func respondOK(string) []string { return []string{"ok"} }
