package transport

import (
	"fmt"
	"sort"

	bugst "go.bug.st/serial"
	"github.com/tarm/serial"
)

// SerialOpener opens local serial devices.
type SerialOpener struct{}

var _ Opener = SerialOpener{}

func (SerialOpener) Open(name string, cfg Config) (Port, error) {
	sc := &serial.Config{
		Name:        name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        byte(cfg.DataBits),
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	if cfg.Parity != "" {
		sc.Parity = serial.Parity(cfg.Parity[0])
	}
	if cfg.StopBits == 2 {
		sc.StopBits = serial.Stop2
	}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return newLinePort(p, true), nil
}

// ListPorts returns the serial ports present on this machine, sorted by
// name.
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
