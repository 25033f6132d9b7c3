package spjs

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mastercactapus/gcnc/transport"
)

// ErrOpenFailed is returned when the server refuses to open a port.
var ErrOpenFailed = errors.New("spjs open failed")

const (
	defaultOpenTimeout = 10 * time.Second

	// bufferAlgorithm tells the server to pace writes the way GRBL expects.
	bufferAlgorithm = "grbl"
)

// Opener opens ports through the server at URL. Each port gets its own
// websocket connection.
type Opener struct {
	URL         string
	OpenTimeout time.Duration
	Dialer      *websocket.Dialer
	Log         *zap.Logger
}

func NewOpener(url string, log *zap.Logger) *Opener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Opener{URL: url, OpenTimeout: defaultOpenTimeout, Log: log}
}

var _ transport.Opener = (*Opener)(nil)

func (o *Opener) dialer() *websocket.Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = o.timeout()
	return &d
}

func (o *Opener) timeout() time.Duration {
	if o.OpenTimeout > 0 {
		return o.OpenTimeout
	}
	return defaultOpenTimeout
}

func (o *Opener) logger() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

// Open connects, asks the server to open name at cfg.Baud, and waits for
// the server to confirm.
func (o *Opener) Open(name string, cfg transport.Config) (transport.Port, error) {
	log := o.logger().With(zap.String("spjs", o.URL), zap.String("port", name))
	log.Info("connecting")
	ws, _, err := o.dialer().Dial(o.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", o.URL, err)
	}

	p := &port{
		name:   name,
		ws:     ws,
		log:    log,
		lines:  make(chan string, 1000),
		opened: make(chan error, 1),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go p.readLoop()

	baud := cfg.Baud
	if baud <= 0 {
		baud = transport.DefaultConfig().Baud
	}
	err = p.writeMessage(fmt.Sprintf("open %s %d %s", name, baud, bufferAlgorithm))
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	t := time.NewTimer(o.timeout())
	defer t.Stop()
	select {
	case err = <-p.opened:
	case <-p.done:
		err = fmt.Errorf("connection lost while opening %s", name)
	case <-t.C:
		err = fmt.Errorf("no reply opening %s after %s", name, o.timeout())
	}
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	log.Info("port open", zap.Int("baud", baud))
	return p, nil
}

type port struct {
	name string
	ws   *websocket.Conn
	log  *zap.Logger

	writeMx sync.Mutex
	nextID  uint64

	lines  chan string
	opened chan error
	// done is closed when the read loop exits.
	done chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *port) writeMessage(msg string) error {
	p.writeMx.Lock()
	defer p.writeMx.Unlock()
	err := p.ws.WriteMessage(websocket.TextMessage, []byte(msg))
	if err != nil {
		return fmt.Errorf("send %q: %w", msg, err)
	}
	return nil
}

// isASCII reports whether b survives a JSON string unchanged.
func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

// Write sends b to the device. ASCII payloads go through sendjson; anything
// with bytes of 0x80 or above (GRBL 1.1 jog cancel and overrides) is sent
// base64 encoded with sendraw, since JSON strings cannot carry them.
func (p *port) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, transport.ErrClosed
	default:
	}

	if !isASCII(b) {
		err := p.writeMessage("sendraw " + p.name + " " + base64.StdEncoding.EncodeToString(b))
		if err != nil {
			return 0, err
		}
		return len(b), nil
	}

	p.writeMx.Lock()
	p.nextID++
	id := "gcnc-" + strconv.FormatUint(p.nextID, 10)
	p.writeMx.Unlock()

	data, err := json.Marshal(SendJSON{Port: p.name, Data: []Data{{Data: string(b), ID: id}}})
	if err != nil {
		return 0, err
	}
	err = p.writeMessage("sendjson " + string(data))
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// ReadLine returns the next line from the device. After the websocket
// drops it returns io.EOF, and after Close it returns transport.ErrClosed.
func (p *port) ReadLine() (string, error) {
	select {
	case line := <-p.lines:
		return line, nil
	case <-p.closed:
		return "", transport.ErrClosed
	case <-p.done:
	}
	select {
	case <-p.closed:
		return "", transport.ErrClosed
	case line := <-p.lines:
		return line, nil
	default:
		return "", io.EOF
	}
}

func (p *port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.writeMessage("close " + p.name)
		err = p.ws.Close()
	})
	return err
}

func (p *port) readLoop() {
	defer close(p.done)

	var split lineSplitter
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			select {
			case <-p.closed:
			default:
				p.log.Warn("spjs read", zap.Error(err))
			}
			return
		}
		if !bytes.HasPrefix(data, []byte("{")) {
			// ignore echo messages
			continue
		}
		val, err := parseMessage(data)
		if err != nil {
			p.log.Debug("spjs message", zap.ByteString("data", data), zap.Error(err))
			continue
		}

		switch m := val.(type) {
		case *DataFrame:
			if m.Port != p.name {
				continue
			}
			for _, line := range split.push(m.Data) {
				select {
				case p.lines <- line:
				case <-p.closed:
					return
				}
			}
		case *CmdStatus:
			if m.Port != "" && m.Port != p.name {
				continue
			}
			switch m.Cmd {
			case "Open":
				p.signalOpen(nil)
			case "OpenFail":
				p.signalOpen(fmt.Errorf("%w: %s", ErrOpenFailed, m.Desc))
			case "Close":
				p.log.Warn("port closed by server", zap.String("desc", m.Desc))
				return
			}
		case *ErrorMessage:
			p.log.Warn("spjs error", zap.String("error", m.Error))
			p.signalOpen(fmt.Errorf("%w: %s", ErrOpenFailed, m.Error))
		}
	}
}

func (p *port) signalOpen(err error) {
	select {
	case p.opened <- err:
	default:
	}
}
