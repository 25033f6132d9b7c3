package grbl

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mastercactapus/gcnc/coord"
)

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State        State       `json:"state"`
	MPos         coord.Point `json:"mpos"`
	WPos         coord.Point `json:"wpos"`
	FeedRate     uint        `json:"feed_rate"`
	SpindleSpeed uint        `json:"spindle_speed"`
	Version      string      `json:"version"`
	Connected    bool        `json:"connected"`
}

// Report is one parsed `<...>` status report.
type Report struct {
	State        State
	MPos         coord.Point
	WPos         coord.Point
	WCO          coord.Point
	FeedRate     uint
	SpindleSpeed uint
}

var errNotReport = errors.New("not a status report")

func parseCoords(data string) (p coord.Point, err error) {
	parts := strings.Split(data, ",")
	if len(parts) < 3 {
		return p, errors.New("invalid number of elements")
	}
	p.X, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return p, err
	}
	p.Y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return p, err
	}
	p.Z, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return p, err
	}
	return p, nil
}

func parseUint(s string) (uint, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, nil
	}
	return uint(f), nil
}

// ParseStatusReport parses a report like
// `<Idle|MPos:0.000,0.000,0.000|FS:0,0>`.
//
// GRBL sends either MPos or WPos, and only sends WCO every few reports.
// wco is the last known work offset; it is used to derive the missing
// position and is replaced if the report carries a new one.
func ParseStatusReport(wco coord.Point, data string) (rep Report, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "<") || !strings.HasSuffix(data, ">") {
		return rep, errNotReport
	}
	data = strings.TrimSuffix(strings.TrimPrefix(data, "<"), ">")
	parts := strings.Split(data, "|")
	rep.State = ParseState(parts[0])
	rep.WCO = wco

	var haveM, haveW bool
	for _, s := range parts[1:] {
		key, val, _ := strings.Cut(s, ":")
		switch key {
		case "MPos":
			rep.MPos, err = parseCoords(val)
			haveM = true
		case "WPos":
			rep.WPos, err = parseCoords(val)
			haveW = true
		case "WCO":
			rep.WCO, err = parseCoords(val)
		case "FS":
			feed, speed, _ := strings.Cut(val, ",")
			rep.FeedRate, err = parseUint(feed)
			if err == nil && speed != "" {
				rep.SpindleSpeed, err = parseUint(speed)
			}
		case "F":
			rep.FeedRate, err = parseUint(val)
		}
		if err != nil {
			return rep, err
		}
	}

	switch {
	case haveM && !haveW:
		rep.WPos = rep.MPos.Sub(rep.WCO)
	case haveW && !haveM:
		rep.MPos = rep.WPos.Add(rep.WCO)
	}
	return rep, nil
}
