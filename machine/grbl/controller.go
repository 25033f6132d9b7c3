// Package grbl implements a controller for machines running GRBL firmware.
package grbl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mastercactapus/gcnc/coord"
	"github.com/mastercactapus/gcnc/transport"
)

const (
	defaultReplyTimeout   = time.Second
	defaultVersionTimeout = 2 * time.Second
	defaultAckTimeout     = 30 * time.Second

	maxReadErrors = 5
)

// Config configures a Controller. Zero durations use the defaults.
type Config struct {
	Serial   transport.Config `mapstructure:"serial"`
	Recovery RecoveryConfig   `mapstructure:"recovery"`

	// ReplyTimeout bounds the best-effort read after SendCommand.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
	// VersionTimeout bounds the `$I` exchange in DetectVersion.
	VersionTimeout time.Duration `mapstructure:"version_timeout"`
	// AckTimeout bounds how long Execute waits for `ok`.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Serial:         transport.DefaultConfig(),
		Recovery:       DefaultRecoveryConfig(),
		ReplyTimeout:   defaultReplyTimeout,
		VersionTimeout: defaultVersionTimeout,
		AckTimeout:     defaultAckTimeout,
	}
}

type conn struct {
	name string
	port transport.Port
	done chan struct{}
}

// Controller owns the link to one GRBL device.
//
// Each piece of state has its own lock so that EmergencyStop never waits
// for a command that is blocked on a reply. The controller does not refuse
// commands based on State; that is left to GRBL and to callers.
type Controller struct {
	opener transport.Opener
	serial transport.Config
	log    *zap.Logger

	replyTimeout   time.Duration
	versionTimeout time.Duration
	ackTimeout     time.Duration

	connMx          sync.Mutex
	conn            *conn
	closing         bool
	cancelReconnect context.CancelFunc

	// txMx serializes write-then-wait exchanges so replies go to the
	// caller that sent the line.
	txMx    sync.Mutex
	replies chan string

	statusMx sync.RWMutex
	status   Status
	wco      coord.Point

	versionMx sync.Mutex
	version   string

	recoveryMx sync.Mutex
	recovery   RecoveryConfig

	commands  *RingLog
	responses *RingLog

	subMx sync.RWMutex
	subs  []Subscriber
}

// NewController creates a disconnected Controller. A nil logger disables
// logging.
func NewController(opener transport.Opener, cfg Config, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	if cfg.VersionTimeout <= 0 {
		cfg.VersionTimeout = def.VersionTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial = def.Serial
	}
	return &Controller{
		opener:         opener,
		serial:         cfg.Serial,
		log:            log,
		replyTimeout:   cfg.ReplyTimeout,
		versionTimeout: cfg.VersionTimeout,
		ackTimeout:     cfg.AckTimeout,
		recovery:       cfg.Recovery,
		replies:        make(chan string, 128),
		status:         Status{State: Unknown},
		commands:       NewRingLog(DefaultLogSize),
		responses:      NewRingLog(DefaultLogSize),
	}
}

// Subscribe registers s for all future events.
func (c *Controller) Subscribe(s Subscriber) {
	c.subMx.Lock()
	c.subs = append(c.subs, s)
	c.subMx.Unlock()
}

func (c *Controller) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.subMx.RLock()
	defer c.subMx.RUnlock()
	for _, s := range c.subs {
		s.Publish(e)
	}
}

func (c *Controller) Recovery() RecoveryConfig {
	c.recoveryMx.Lock()
	defer c.recoveryMx.Unlock()
	return c.recovery
}

func (c *Controller) SetRecovery(rc RecoveryConfig) {
	c.recoveryMx.Lock()
	c.recovery = rc
	c.recoveryMx.Unlock()
}

func (c *Controller) current() *conn {
	c.connMx.Lock()
	defer c.connMx.Unlock()
	return c.conn
}

// PortName returns the name of the open port, or "" when disconnected.
func (c *Controller) PortName() string {
	if cn := c.current(); cn != nil {
		return cn.name
	}
	return ""
}

func (c *Controller) stopReconnect() {
	c.connMx.Lock()
	cancel := c.cancelReconnect
	c.cancelReconnect = nil
	c.connMx.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Connect opens the named port, retrying per the RecoveryConfig. Any open
// port is closed first.
func (c *Controller) Connect(ctx context.Context, name string) error {
	c.stopReconnect()
	if c.current() != nil {
		c.Disconnect()
	}
	return c.connect(ctx, name)
}

func (c *Controller) connect(ctx context.Context, name string) error {
	rc := c.Recovery()
	n := rc.attempts()

	var lastErr error
	for attempt := 1; attempt <= n; attempt++ {
		port, err := c.opener.Open(name, c.serial)
		if err == nil && ctx.Err() != nil {
			port.Close()
			return fmt.Errorf("%w: %s: %w", ErrConnection, name, ctx.Err())
		}
		if err == nil {
			c.attach(name, port)
			return nil
		}
		lastErr = err
		c.log.Warn("connect attempt failed",
			zap.String("port", name),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", n),
			zap.Error(err),
		)
		if attempt == n {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrConnection, name, ctx.Err())
		case <-time.After(rc.RetryDelay):
		}
	}

	err := fmt.Errorf("%w: %s after %d attempts: %w", ErrConnection, name, n, lastErr)
	c.publish(Event{Type: EventError, Message: "connect failed", Err: err})
	return err
}

func (c *Controller) attach(name string, port transport.Port) {
	cn := &conn{name: name, port: port, done: make(chan struct{})}

	c.connMx.Lock()
	c.conn = cn
	c.closing = false
	c.connMx.Unlock()

	c.statusMx.Lock()
	c.status.Connected = true
	c.status.State = Idle
	st := c.status
	c.statusMx.Unlock()

	c.log.Info("connected", zap.String("port", name))
	c.publish(Event{Type: EventConnected, Message: name, Status: &st})

	go c.readLoop(cn)
}

// Disconnect closes the port. It is safe to call when not connected.
func (c *Controller) Disconnect() error {
	c.stopReconnect()

	c.connMx.Lock()
	cn := c.conn
	c.conn = nil
	c.closing = true
	c.connMx.Unlock()

	c.statusMx.Lock()
	c.status.Connected = false
	c.statusMx.Unlock()

	if cn == nil {
		return nil
	}
	close(cn.done)
	err := cn.port.Close()
	c.log.Info("disconnected", zap.String("port", cn.name))
	c.publish(Event{Type: EventDisconnected, Message: cn.name})
	return err
}

// lost handles a port that failed underneath us.
func (c *Controller) lost(cn *conn, cause error) {
	c.connMx.Lock()
	if c.conn != cn {
		c.connMx.Unlock()
		return
	}
	c.conn = nil
	requested := c.closing
	c.connMx.Unlock()

	close(cn.done)
	cn.port.Close()

	c.statusMx.Lock()
	c.status.Connected = false
	c.statusMx.Unlock()

	c.log.Warn("connection lost", zap.String("port", cn.name), zap.Error(cause))
	c.publish(Event{Type: EventDisconnected, Message: cn.name, Err: cause})

	if !requested && c.Recovery().AutoReconnect {
		c.startReconnect(cn.name)
	}
}

func (c *Controller) startReconnect(name string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.connMx.Lock()
	if c.cancelReconnect != nil {
		c.cancelReconnect()
	}
	c.cancelReconnect = cancel
	c.connMx.Unlock()

	go func() {
		for {
			delay := c.Recovery().ReconnectDelay
			c.publish(Event{Type: EventReconnecting, Message: name})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			err := c.connect(ctx, name)
			if err == nil || ctx.Err() != nil {
				return
			}
		}
	}()
}

func (c *Controller) readLoop(cn *conn) {
	var errCount int
	for {
		line, err := cn.port.ReadLine()
		if err != nil {
			select {
			case <-cn.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				c.lost(cn, err)
				return
			}
			errCount++
			c.log.Warn("read from port", zap.String("port", cn.name), zap.Error(err))
			if errCount >= maxReadErrors {
				c.lost(cn, err)
				return
			}
			continue
		}
		errCount = 0
		c.handleLine(line)
	}
}

func (c *Controller) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "<") {
		c.statusMx.RLock()
		wco := c.wco
		c.statusMx.RUnlock()
		rep, err := ParseStatusReport(wco, line)
		if err != nil {
			c.log.Warn("parse status", zap.String("line", line), zap.Error(err))
			return
		}
		c.statusMx.Lock()
		c.wco = rep.WCO
		c.statusMx.Unlock()
		c.UpdateStatus(rep.State, rep.MPos, rep.WPos, rep.FeedRate, rep.SpindleSpeed)
		return
	}

	c.LogResponse(line)
	if strings.HasPrefix(line, "ALARM:") {
		c.statusMx.Lock()
		c.status.State = Alarm
		c.statusMx.Unlock()
		c.publish(Event{Type: EventAlarm, Message: line})
		return
	}
	if strings.HasPrefix(line, "Grbl ") {
		c.setVersion(line)
	}
	c.publish(Event{Type: EventResponse, Message: line})
	c.reply(line)
}

func (c *Controller) reply(line string) {
	select {
	case c.replies <- line:
	default:
		c.log.Debug("reply dropped", zap.String("line", line))
	}
}

func (c *Controller) drainReplies() {
	for {
		select {
		case <-c.replies:
		default:
			return
		}
	}
}

func (c *Controller) writeLine(cn *conn, line string) error {
	_, err := cn.port.Write([]byte(line + "\n"))
	if err != nil {
		return fmt.Errorf("write %q: %w", line, err)
	}
	return nil
}

// SendCommand logs cmd, writes it, and waits briefly for a reply. GRBL
// does not answer every line immediately, so a missing reply is not an
// error.
func (c *Controller) SendCommand(ctx context.Context, cmd string) error {
	c.commands.Push(cmd)

	c.txMx.Lock()
	defer c.txMx.Unlock()

	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	c.drainReplies()
	err := c.writeLine(cn, cmd)
	if err != nil {
		return err
	}
	c.publish(Event{Type: EventCommand, Message: cmd})

	t := time.NewTimer(c.replyTimeout)
	defer t.Stop()
	select {
	case line := <-c.replies:
		c.log.Debug("reply", zap.String("command", cmd), zap.String("reply", line))
	case <-t.C:
		c.log.Debug("no reply", zap.String("command", cmd), zap.Duration("timeout", c.replyTimeout))
	case <-ctx.Done():
	case <-cn.done:
	}
	return nil
}

// Execute sends line and waits for GRBL to acknowledge it with `ok`. An
// `error:N` reply is returned as a *CommandError. Once the line is written,
// a timeout, cancellation or lost port is wrapped in ErrUnacknowledged.
func (c *Controller) Execute(ctx context.Context, line string) error {
	c.commands.Push(line)

	c.txMx.Lock()
	defer c.txMx.Unlock()

	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	c.drainReplies()
	err := c.writeLine(cn, line)
	if err != nil {
		return err
	}
	c.publish(Event{Type: EventCommand, Message: line})

	t := time.NewTimer(c.ackTimeout)
	defer t.Stop()
	for {
		select {
		case r := <-c.replies:
			switch {
			case r == "ok":
				return nil
			case strings.HasPrefix(r, "error:"):
				code, _ := strconv.Atoi(strings.TrimPrefix(r, "error:"))
				return &CommandError{Line: line, Code: code}
			case strings.HasPrefix(r, "Grbl "):
				return ErrGrblReset
			}
		case <-t.C:
			return fmt.Errorf("%w: %w: %q after %s", ErrUnacknowledged, ErrTimeout, line, c.ackTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnacknowledged, ctx.Err())
		case <-cn.done:
			return fmt.Errorf("%w: %w", ErrUnacknowledged, ErrNotConnected)
		}
	}
}

// DetectVersion asks the device for its build info with `$I` and stores
// the raw reply as the version string.
func (c *Controller) DetectVersion(ctx context.Context) (string, error) {
	c.txMx.Lock()
	defer c.txMx.Unlock()

	cn := c.current()
	if cn == nil {
		return "", ErrNotConnected
	}
	c.drainReplies()
	err := c.writeLine(cn, "$I")
	if err != nil {
		return "", err
	}

	var lines []string
	t := time.NewTimer(c.versionTimeout)
	defer t.Stop()
wait:
	for {
		select {
		case r := <-c.replies:
			if r == "ok" || strings.HasPrefix(r, "error:") {
				break wait
			}
			lines = append(lines, r)
		case <-t.C:
			break wait
		case <-ctx.Done():
			return "", ctx.Err()
		case <-cn.done:
			return "", ErrNotConnected
		}
	}
	if len(lines) == 0 {
		err = fmt.Errorf("%w: no reply to $I", ErrTimeout)
		c.log.Warn("detect version", zap.Error(err))
		return "", err
	}
	raw := strings.Join(lines, "\n")
	c.setVersion(raw)
	return raw, nil
}

func (c *Controller) setVersion(v string) {
	c.versionMx.Lock()
	c.version = v
	c.versionMx.Unlock()
	c.log.Info("firmware version", zap.String("version", v))
}

// Version returns the last version text seen, from `$I` or the startup
// banner.
func (c *Controller) Version() string {
	c.versionMx.Lock()
	defer c.versionMx.Unlock()
	return c.version
}

// Status returns a snapshot of the controller status.
func (c *Controller) Status() Status {
	c.statusMx.RLock()
	st := c.status
	c.statusMx.RUnlock()
	st.Version = c.Version()
	return st
}

// UpdateStatus replaces the motion part of the status. Connection state
// and version are not touched.
func (c *Controller) UpdateStatus(state State, mpos, wpos coord.Point, feed, spindle uint) {
	c.statusMx.Lock()
	c.status.State = state
	c.status.MPos = mpos
	c.status.WPos = wpos
	c.status.FeedRate = feed
	c.status.SpindleSpeed = spindle
	st := c.status
	c.statusMx.Unlock()

	st.Version = c.Version()
	c.publish(Event{Type: EventStatus, Status: &st})
}

// WriteRealtime writes a single realtime command byte, bypassing the line
// exchange lock.
func (c *Controller) WriteRealtime(b ...byte) error {
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	_, err := cn.port.Write(b)
	return err
}

// EmergencyStop marks the machine as alarmed and sends jog-cancel and
// soft-reset. The local state changes even if the write fails.
func (c *Controller) EmergencyStop() error {
	c.statusMx.Lock()
	c.status.State = Alarm
	st := c.status
	c.statusMx.Unlock()

	c.log.Warn("emergency stop")
	c.publish(Event{Type: EventAlarm, Message: "emergency stop", Status: &st})
	return c.WriteRealtime(JogCancel, SoftReset)
}

// ResetAlarm clears an alarm with `$X`.
func (c *Controller) ResetAlarm(ctx context.Context) error { return c.SendCommand(ctx, "$X") }

// Unlock clears the alarm lock with `$X`.
func (c *Controller) Unlock(ctx context.Context) error { return c.SendCommand(ctx, "$X") }

func (c *Controller) RequestStatus() error { return c.WriteRealtime(StatusQuery) }
func (c *Controller) CycleStart() error    { return c.WriteRealtime(CycleStart) }
func (c *Controller) FeedHold() error      { return c.WriteRealtime(FeedHold) }
func (c *Controller) SoftReset() error     { return c.WriteRealtime(SoftReset) }
func (c *Controller) JogCancel() error     { return c.WriteRealtime(JogCancel) }

// Jog sends an incremental jog on one axis.
func (c *Controller) Jog(ctx context.Context, axis string, distance, feed float64) error {
	cmd, err := JogCommand(axis, distance, feed)
	if err != nil {
		return err
	}
	return c.SendCommand(ctx, cmd)
}

// Override applies a feed or spindle override.
func (c *Controller) Override(req OverrideRequest) error {
	seq, err := req.Bytes()
	if err != nil {
		return err
	}
	return c.WriteRealtime(seq...)
}

// LogResponse appends a line to the response log.
func (c *Controller) LogResponse(line string) { c.responses.Push(line) }

// Responses returns the response log, oldest first.
func (c *Controller) Responses() []string { return c.responses.Entries() }

func (c *Controller) ClearResponses() { c.responses.Clear() }

// Commands returns the command log, oldest first.
func (c *Controller) Commands() []string { return c.commands.Entries() }

// NextCommand removes and returns the oldest logged command.
func (c *Controller) NextCommand() (string, bool) { return c.commands.Pop() }
