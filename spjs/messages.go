// Package spjs opens GRBL ports through a Serial Port JSON Server
// (https://github.com/chilipeppr/serial-port-json-server) over a websocket.
package spjs

import (
	"encoding/json"
	"errors"
)

// DataFrame is a chunk of bytes read from a port. Chunks do not follow line
// boundaries.
type DataFrame struct {
	Port string `json:"P"`
	Data string `json:"D"`
}

// CmdStatus reports on a command: Open, OpenFail, Close, Queued, Write,
// Complete and so on. The shape of D and Id differs between commands.
type CmdStatus struct {
	Cmd        string
	Desc       string
	Port       string
	Baud       int
	QueueCount int             `json:"QCnt"`
	Type       []string        `json:",omitempty"`
	Data       json.RawMessage `json:"D,omitempty"`
	ID         json.RawMessage `json:"Id,omitempty"`
}

type ErrorMessage struct {
	Error string
}

type VersionMessage struct {
	Version string
}

type HostnameMessage struct {
	Hostname string
}

type SerialPortList struct {
	SerialPorts []SerialPort
}

type SerialPort struct {
	Name                      string
	Friendly                  string
	SerialNumber              string
	DeviceClass               string
	IsOpen                    bool
	IsPrimary                 bool
	RelatedNames              []string
	Baud                      int
	BufferAlgorithm           string
	AvailableBufferAlgorithms []string
	Ver                       float64
	USBVID                    string
	USBPID                    string
	FeedRateOverride          float64
}

// SendJSON is the payload of the sendjson command.
type SendJSON struct {
	Port string `json:"P"`
	Data []Data
}

type Data struct {
	Data string `json:"D"`
	ID   string `json:"Id"`
}

var errUnknownMessage = errors.New("unknown spjs message")

// parseMessage decodes one websocket message. The message type is picked
// by which identifying field is present.
func parseMessage(data []byte) (val interface{}, err error) {
	var msg map[string]json.RawMessage
	err = json.Unmarshal(data, &msg)
	if err != nil {
		return nil, err
	}

	check := func(fieldName string, v interface{}) bool {
		if msg[fieldName] == nil {
			return false
		}
		val = v
		err = json.Unmarshal(data, val)
		return true
	}
	if check("Error", &ErrorMessage{}) {
		return
	}
	if check("SerialPorts", &SerialPortList{}) {
		return
	}
	if check("Version", &VersionMessage{}) {
		return
	}
	if check("Hostname", &HostnameMessage{}) {
		return
	}
	if check("Cmd", &CmdStatus{}) {
		return
	}
	if check("D", &DataFrame{}) {
		return
	}

	return nil, errUnknownMessage
}
