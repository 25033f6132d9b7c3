package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mastercactapus/gcnc/backplot"
	"github.com/mastercactapus/gcnc/jobs"
	"github.com/mastercactapus/gcnc/machine"
	"github.com/mastercactapus/gcnc/machine/grbl"
	"github.com/mastercactapus/gcnc/optimize"
	"github.com/mastercactapus/gcnc/transport"
	"github.com/mastercactapus/gcnc/validate"
)

const (
	statusChannel = "/events/status"
	maxBodySize   = 32 << 20
)

type api struct {
	http.Handler

	c       Controller
	m       *machine.Machine
	val     *validate.Validator
	opt     *optimize.Optimizer
	dataDir string
	port    string
	log     *zap.Logger

	// autoTarget retargets val to the firmware found by detectVersion.
	autoTarget bool

	// history serves finished jobs that are no longer in memory. It may
	// be nil.
	history History

	listPorts func() ([]string, error)

	sse     *sse.Server
	changed chan struct{}

	plotMx sync.Mutex
	plot   *backplot.Plotter
}

func newAPI(c Controller, m *machine.Machine, val *validate.Validator, opt *optimize.Optimizer, dataDir, port string, log *zap.Logger) *api {
	r := mux.NewRouter()
	a := &api{
		Handler:   r,
		c:         c,
		m:         m,
		val:       val,
		opt:       opt,
		dataDir:   dataDir,
		port:      port,
		log:       log,
		listPorts: transport.ListPorts,
		sse: sse.NewServer(&sse.Options{
			Logger: zap.NewStdLog(log.Named("sse")),
		}),
		changed: make(chan struct{}, 1),
	}

	r.MethodNotAllowedHandler = http.HandlerFunc(a.methodNotAllowed)
	ar := r.PathPrefix("/api").Subrouter()
	ar.MethodNotAllowedHandler = http.HandlerFunc(a.methodNotAllowed)
	ar.HandleFunc("/status", a.status).Methods(http.MethodGet)
	ar.HandleFunc("/ports", a.ports).Methods(http.MethodGet)
	ar.HandleFunc("/responses", a.responses).Methods(http.MethodGet)
	ar.HandleFunc("/commands", a.commands).Methods(http.MethodGet)
	ar.HandleFunc("/commands/next", a.nextCommand).Methods(http.MethodPost)
	ar.HandleFunc("/recovery", a.recovery).Methods(http.MethodGet)
	ar.HandleFunc("/recovery", a.setRecovery).Methods(http.MethodPut)
	ar.HandleFunc("/connect", a.connect).Methods(http.MethodPost)
	ar.HandleFunc("/disconnect", a.disconnect).Methods(http.MethodPost)
	ar.HandleFunc("/jog", a.jog).Methods(http.MethodPost)
	ar.HandleFunc("/override", a.override).Methods(http.MethodPost)
	ar.HandleFunc("/emergency-stop", a.emergencyStop).Methods(http.MethodPost)
	ar.HandleFunc("/unlock", a.unlock).Methods(http.MethodPost)
	ar.HandleFunc("/command", a.command).Methods(http.MethodPost)
	ar.HandleFunc("/validate", a.validate).Methods(http.MethodPost)
	ar.HandleFunc("/optimize", a.optimize).Methods(http.MethodPost)

	ar.HandleFunc("/jobs", a.listJobs).Methods(http.MethodGet)
	ar.HandleFunc("/jobs", a.submitJob).Methods(http.MethodPost)
	ar.HandleFunc("/jobs/active/{action:pause|resume|cancel}", a.activeJob).Methods(http.MethodPost)
	ar.HandleFunc("/jobs/finished", a.clearFinished).Methods(http.MethodDelete)
	ar.HandleFunc("/jobs/{id}", a.getJob).Methods(http.MethodGet)
	ar.HandleFunc("/jobs/{id}", a.deleteJob).Methods(http.MethodDelete)
	ar.HandleFunc("/jobs/{id}/cancel", a.cancelJob).Methods(http.MethodPost)

	ar.HandleFunc("/backplot", a.backplotView).Methods(http.MethodGet)
	ar.HandleFunc("/backplot", a.backplotLoad).Methods(http.MethodPost)
	ar.HandleFunc("/backplot/jump", a.backplotJump).Methods(http.MethodPost)
	ar.HandleFunc("/backplot/{action:forward|backward|pause|resume|reset}", a.backplotAction).Methods(http.MethodPost)

	r.PathPrefix("/data/").Handler(http.StripPrefix("/data", a.files()))
	r.PathPrefix("/events/").Handler(a.sse)

	r.Use(a.logRequests)
	return a
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		a.log.Debug("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", req.RemoteAddr),
		)
		next.ServeHTTP(w, req)
	})
}

// Publish implements grbl.Subscriber. Status changes are coalesced and
// pushed to SSE clients by forward.
func (a *api) Publish(e grbl.Event) {
	switch e.Type {
	case grbl.EventStatus, grbl.EventConnected, grbl.EventDisconnected, grbl.EventAlarm:
	default:
		return
	}
	select {
	case a.changed <- struct{}{}:
	default:
	}
}

// forward sends a status snapshot to SSE clients after every change until
// ctx is done.
func (a *api) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.changed:
		}
		data, err := json.Marshal(snapshot(a.c.Status()))
		if err != nil {
			a.log.Error("marshal status", zap.Error(err))
			continue
		}
		a.sse.SendMessage(statusChannel, sse.SimpleMessage(string(data)))
	}
}

func (a *api) Close() { a.sse.Shutdown() }

// detectVersion asks the device for its firmware version and, with
// autoTarget set, validates programs against it from then on.
func (a *api) detectVersion(ctx context.Context) {
	raw, err := a.c.DetectVersion(ctx)
	if err != nil {
		a.log.Warn("detect version", zap.Error(err))
		return
	}
	if !a.autoTarget || a.val == nil {
		return
	}
	v, err := grbl.ParseVersion(raw)
	if err != nil {
		a.log.Warn("parse version", zap.String("reply", raw), zap.Error(err))
		return
	}
	target := validate.VersionOf(v.Major, v.Minor)
	a.val.SetTarget(target)
	a.log.Info("validation target", zap.String("firmware", v.String()), zap.Stringer("target", target))
}

func (a *api) methodNotAllowed(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: req.Method + " not allowed on " + req.URL.Path})
}

type errorResponse struct {
	Error  string           `json:"error"`
	Issues []validate.Issue `json:"issues,omitempty"`
}

func (a *api) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		a.log.Warn("encode response", zap.Error(err))
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, machine.ErrRejected), errors.Is(err, backplot.ErrNoSteps):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backplot.ErrStepRange):
		return http.StatusBadRequest
	case errors.Is(err, errNoBackplot):
		return http.StatusConflict
	case errors.Is(err, grbl.ErrNotConnected),
		errors.Is(err, jobs.ErrNoActiveJob),
		errors.Is(err, jobs.ErrJobActive),
		errors.Is(err, jobs.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, grbl.ErrConnection), errors.Is(err, grbl.ErrTimeout):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, code int, err error) {
	if code == 0 {
		code = errorStatus(err)
	}
	if code >= 500 {
		a.log.Error("request failed", zap.Error(err))
	}
	resp := errorResponse{Error: err.Error()}
	var rej *machine.RejectedError
	if errors.As(err, &rej) {
		resp.Issues = rej.Issues
	}
	a.writeJSON(w, code, resp)
}

func (a *api) decode(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodySize))
	err := dec.Decode(v)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (a *api) done(w http.ResponseWriter, err error) {
	if err != nil {
		a.writeError(w, 0, err)
		return
	}
	a.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, http.StatusOK, snapshot(a.c.Status()))
}

func (a *api) ports(w http.ResponseWriter, req *http.Request) {
	ports, err := a.listPorts()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ports == nil {
		ports = []string{}
	}
	a.writeJSON(w, http.StatusOK, ports)
}

func (a *api) responses(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, http.StatusOK, a.c.Responses())
}

func (a *api) commands(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, http.StatusOK, a.c.Commands())
}

// nextCommand pops the oldest entry of the command queue.
func (a *api) nextCommand(w http.ResponseWriter, req *http.Request) {
	cmd, ok := a.c.NextCommand()
	a.writeJSON(w, http.StatusOK, struct {
		Command string `json:"command"`
		OK      bool   `json:"ok"`
	}{cmd, ok})
}

func (a *api) recovery(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, http.StatusOK, a.c.Recovery())
}

// setRecovery replaces the retry policy. Omitted fields keep their value.
func (a *api) setRecovery(w http.ResponseWriter, req *http.Request) {
	rc := a.c.Recovery()
	if !a.decode(w, req, &rc) {
		return
	}
	a.c.SetRecovery(rc)
	a.writeJSON(w, http.StatusOK, a.c.Recovery())
}

func (a *api) connect(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Port string `json:"port"`
	}
	if req.ContentLength != 0 && !a.decode(w, req, &body) {
		return
	}
	if body.Port == "" {
		body.Port = a.port
	}

	err := a.c.Connect(req.Context(), body.Port)
	if err != nil {
		a.writeError(w, 0, err)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()
	a.detectVersion(ctx)
	a.writeJSON(w, http.StatusOK, snapshot(a.c.Status()))
}

func (a *api) disconnect(w http.ResponseWriter, req *http.Request) {
	a.done(w, a.c.Disconnect())
}

func (a *api) jog(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Axis     string  `json:"axis"`
		Distance float64 `json:"distance"`
		FeedRate float64 `json:"feed_rate"`
	}
	if !a.decode(w, req, &body) {
		return
	}
	// check the axis before touching the device
	if _, err := grbl.JogCommand(body.Axis, body.Distance, body.FeedRate); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.done(w, a.c.Jog(req.Context(), body.Axis, body.Distance, body.FeedRate))
}

func (a *api) override(w http.ResponseWriter, req *http.Request) {
	var body grbl.OverrideRequest
	if !a.decode(w, req, &body) {
		return
	}
	if _, err := body.Bytes(); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.done(w, a.c.Override(body))
}

func (a *api) emergencyStop(w http.ResponseWriter, req *http.Request) {
	a.done(w, a.c.EmergencyStop())
}

func (a *api) unlock(w http.ResponseWriter, req *http.Request) {
	a.done(w, a.c.Unlock(req.Context()))
}

func (a *api) command(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Command string `json:"command"`
	}
	if !a.decode(w, req, &body) {
		return
	}
	if body.Command == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("command is required"))
		return
	}
	a.done(w, a.c.SendCommand(req.Context(), body.Command))
}

type programRequest struct {
	Name     string `json:"name"`
	GCode    string `json:"gcode"`
	File     string `json:"file"`
	Priority int    `json:"priority"`
}

// program returns the G-code of body, reading File from the data directory
// when GCode is empty.
func (a *api) program(body *programRequest) (int, error) {
	if body.GCode != "" || body.File == "" {
		return 0, nil
	}
	data, err := a.readFile(body.File)
	if err != nil {
		return http.StatusNotFound, err
	}
	body.GCode = string(data)
	if body.Name == "" {
		body.Name = body.File
	}
	return 0, nil
}

func (a *api) validate(w http.ResponseWriter, req *http.Request) {
	var body programRequest
	if !a.decode(w, req, &body) {
		return
	}
	if code, err := a.program(&body); err != nil {
		a.writeError(w, code, err)
		return
	}
	issues := a.val.ValidateProgram(body.GCode)
	summary := make(map[string]int)
	for sev, n := range validate.Summary(issues) {
		summary[sev.String()] = n
	}
	if issues == nil {
		issues = []validate.Issue{}
	}
	a.writeJSON(w, http.StatusOK, struct {
		Issues   []validate.Issue `json:"issues"`
		Summary  map[string]int   `json:"summary"`
		Blocking bool             `json:"blocking"`
	}{issues, summary, validate.HasBlocking(issues)})
}

func (a *api) optimize(w http.ResponseWriter, req *http.Request) {
	var body programRequest
	if !a.decode(w, req, &body) {
		return
	}
	if code, err := a.program(&body); err != nil {
		a.writeError(w, code, err)
		return
	}
	out, err := a.opt.Optimize(body.GCode)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		GCode string         `json:"gcode"`
		Stats optimize.Stats `json:"stats"`
	}{out, optimize.GetStats(body.GCode, out)})
}

func (a *api) listJobs(w http.ResponseWriter, req *http.Request) {
	var active *jobs.Job
	if j, ok := a.m.Jobs().ActiveJob(); ok {
		active = &j
	}
	a.writeJSON(w, http.StatusOK, struct {
		Active    *jobs.Job  `json:"active"`
		Queued    []jobs.Job `json:"queued"`
		Completed []jobs.Job `json:"completed"`
	}{active, a.m.Jobs().QueuedJobs(), a.m.Jobs().CompletedJobs()})
}

func (a *api) submitJob(w http.ResponseWriter, req *http.Request) {
	body := programRequest{Priority: int(jobs.PriorityNormal)}
	if !a.decode(w, req, &body) {
		return
	}
	if code, err := a.program(&body); err != nil {
		a.writeError(w, code, err)
		return
	}
	if body.Name == "" {
		body.Name = "untitled"
	}

	j, issues, err := a.m.Submit(req.Context(), body.Name, body.GCode, body.Priority)
	if err != nil {
		a.writeError(w, 0, err)
		return
	}
	if issues == nil {
		issues = []validate.Issue{}
	}
	a.writeJSON(w, http.StatusCreated, struct {
		Job    jobs.Job         `json:"job"`
		Issues []validate.Issue `json:"issues"`
	}{j, issues})
}

func (a *api) getJob(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	j, ok := a.m.Jobs().Job(id)
	if ok {
		a.writeJSON(w, http.StatusOK, j)
		return
	}
	if a.history == nil {
		a.writeError(w, 0, jobs.ErrJobNotFound)
		return
	}
	j, err := a.history.Get(req.Context(), id)
	if err != nil {
		a.writeError(w, 0, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

// deleteJob removes a finished job from the history.
func (a *api) deleteJob(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if j, ok := a.m.Jobs().Job(id); ok && !j.State.Terminal() {
		a.writeError(w, 0, fmt.Errorf("job %s is %s: %w", id, j.State, jobs.ErrInvalidTransition))
		return
	}
	if a.history == nil {
		a.writeError(w, 0, jobs.ErrJobNotFound)
		return
	}
	a.done(w, a.history.Delete(req.Context(), id))
}

// clearFinished drops completed, failed and cancelled jobs from memory and
// from the history.
func (a *api) clearFinished(w http.ResponseWriter, req *http.Request) {
	n := int64(a.m.Jobs().ClearCompleted())
	if a.history != nil {
		deleted, err := a.history.DeleteFinished(req.Context(), time.Now())
		if err != nil {
			a.writeError(w, 0, err)
			return
		}
		n = deleted
	}
	a.writeJSON(w, http.StatusOK, struct {
		Deleted int64 `json:"deleted"`
	}{n})
}

func (a *api) cancelJob(w http.ResponseWriter, req *http.Request) {
	a.done(w, a.m.CancelJob(req.Context(), mux.Vars(req)["id"]))
}

func (a *api) activeJob(w http.ResponseWriter, req *http.Request) {
	var err error
	switch mux.Vars(req)["action"] {
	case "pause":
		err = a.m.Pause(req.Context())
	case "resume":
		err = a.m.Resume(req.Context())
	case "cancel":
		err = a.m.Cancel(req.Context())
	}
	a.done(w, err)
}
