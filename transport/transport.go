// Package transport moves raw lines between the controller and a device.
package transport

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by ReadLine once the port has been closed locally.
var ErrClosed = errors.New("port closed")

// Config holds the serial framing. Only Baud matters for network transports.
type Config struct {
	Baud        int           `mapstructure:"baud"`
	DataBits    int           `mapstructure:"data_bits"`
	Parity      string        `mapstructure:"parity"`
	StopBits    int           `mapstructure:"stop_bits"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// DefaultConfig is 115200 8N1, which GRBL uses out of the box.
func DefaultConfig() Config {
	return Config{
		Baud:        115200,
		DataBits:    8,
		Parity:      "N",
		StopBits:    1,
		ReadTimeout: 500 * time.Millisecond,
	}
}

// A Port is an open connection to a device.
//
// Write is safe to call concurrently with ReadLine. A single Write is not
// interrupted part way; it completes or returns an error.
type Port interface {
	io.Writer

	// ReadLine blocks until a full line arrives and returns it without the
	// trailing line break.
	ReadLine() (string, error)

	Close() error
}

// An Opener opens named ports.
type Opener interface {
	Open(name string, cfg Config) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(name string, cfg Config) (Port, error)

func (fn OpenerFunc) Open(name string, cfg Config) (Port, error) { return fn(name, cfg) }

type linePort struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader

	// eofIsTimeout is set for serial devices, which report an idle read
	// timeout as io.EOF.
	eofIsTimeout bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewPort wraps a stream as a Port. io.EOF from the stream ends ReadLine.
func NewPort(rwc io.ReadWriteCloser) Port {
	return newLinePort(rwc, false)
}

func newLinePort(rwc io.ReadWriteCloser, eofIsTimeout bool) *linePort {
	return &linePort{
		rwc:          rwc,
		br:           bufio.NewReader(rwc),
		eofIsTimeout: eofIsTimeout,
		closed:       make(chan struct{}),
	}
}

func (p *linePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	return p.rwc.Write(b)
}

func (p *linePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *linePort) ReadLine() (string, error) {
	var line []byte
	for {
		data, err := p.br.ReadBytes('\n')
		line = append(line, data...)
		if err == nil {
			return strings.TrimRight(string(line), "\r\n"), nil
		}
		if p.isClosed() {
			return "", ErrClosed
		}
		if errors.Is(err, io.EOF) && p.eofIsTimeout {
			continue
		}
		return "", err
	}
}

func (p *linePort) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.closeErr = p.rwc.Close()
	})
	return p.closeErr
}
