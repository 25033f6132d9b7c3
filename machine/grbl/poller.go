package grbl

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often GRBL is asked for a status report.
const DefaultPollInterval = 200 * time.Millisecond

// Poller asks the controller for a status report on a fixed interval.
// Replies are parsed by the controller's reader.
type Poller struct {
	c        *Controller
	interval time.Duration
	log      *zap.Logger

	mx      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewPoller(c *Controller, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{c: c, interval: interval, log: log}
}

// Start begins polling. Calling Start on a running Poller does nothing.
func (p *Poller) Start() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go p.loop(p.stop)
	p.log.Info("status poller started", zap.Duration("interval", p.interval))
}

// Stop halts polling and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mx.Lock()
	if !p.running {
		p.mx.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mx.Unlock()

	p.wg.Wait()
	p.log.Info("status poller stopped")
}

func (p *Poller) loop(stop chan struct{}) {
	defer p.wg.Done()
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			err := p.c.RequestStatus()
			if err != nil && !errors.Is(err, ErrNotConnected) {
				p.log.Warn("status query", zap.Error(err))
			}
		}
	}
}
