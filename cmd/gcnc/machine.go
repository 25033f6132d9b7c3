package main

import (
	"context"
	"time"

	"github.com/mastercactapus/gcnc/jobs"
	"github.com/mastercactapus/gcnc/jobstore"
	"github.com/mastercactapus/gcnc/machine/grbl"
)

// Controller is the part of *grbl.Controller the API drives.
type Controller interface {
	Status() grbl.Status
	Connect(ctx context.Context, name string) error
	Disconnect() error
	DetectVersion(ctx context.Context) (string, error)
	Jog(ctx context.Context, axis string, distance, feed float64) error
	Override(req grbl.OverrideRequest) error
	EmergencyStop() error
	Unlock(ctx context.Context) error
	SendCommand(ctx context.Context, cmd string) error
	Responses() []string
	Commands() []string
	NextCommand() (string, bool)
	Recovery() grbl.RecoveryConfig
	SetRecovery(rc grbl.RecoveryConfig)
}

// History is the persisted job record, *jobstore.Store in production.
type History interface {
	Get(ctx context.Context, id string) (jobs.Job, error)
	Delete(ctx context.Context, id string) error
	DeleteFinished(ctx context.Context, before time.Time) (int64, error)
}

var _ History = (*jobstore.Store)(nil)

var _ Controller = (*grbl.Controller)(nil)

// statusSnapshot is the pendant's view of the controller.
type statusSnapshot struct {
	Connected       bool       `json:"connected"`
	State           grbl.State `json:"state"`
	PosX            float64    `json:"pos_x"`
	PosY            float64    `json:"pos_y"`
	PosZ            float64    `json:"pos_z"`
	FeedRate        uint       `json:"feed_rate"`
	SpindleSpeed    uint       `json:"spindle_speed"`
	FirmwareVersion string     `json:"firmware_version"`
}

func snapshot(s grbl.Status) statusSnapshot {
	return statusSnapshot{
		Connected:       s.Connected,
		State:           s.State,
		PosX:            s.MPos.X,
		PosY:            s.MPos.Y,
		PosZ:            s.MPos.Z,
		FeedRate:        s.FeedRate,
		SpindleSpeed:    s.SpindleSpeed,
		FirmwareVersion: s.Version,
	}
}
