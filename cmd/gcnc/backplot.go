package main

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mastercactapus/gcnc/backplot"
)

var errNoBackplot = errors.New("no program loaded for backplot")

func (a *api) plotter() (*backplot.Plotter, error) {
	a.plotMx.Lock()
	defer a.plotMx.Unlock()
	if a.plot == nil {
		return nil, errNoBackplot
	}
	return a.plot, nil
}

// backplotLoad replaces the previewed program.
func (a *api) backplotLoad(w http.ResponseWriter, req *http.Request) {
	var body programRequest
	if !a.decode(w, req, &body) {
		return
	}
	if code, err := a.program(&body); err != nil {
		a.writeError(w, code, err)
		return
	}
	p, err := backplot.New(backplot.Steps(body.GCode))
	if err != nil {
		a.writeError(w, 0, err)
		return
	}
	a.plotMx.Lock()
	a.plot = p
	a.plotMx.Unlock()

	a.writeJSON(w, http.StatusOK, struct {
		backplot.View
		Steps []backplot.Step `json:"steps"`
	}{p.View(), p.Steps()})
}

func (a *api) backplotView(w http.ResponseWriter, req *http.Request) {
	p, err := a.plotter()
	if err != nil {
		a.writeError(w, 0, err)
		return
	}
	a.writeJSON(w, http.StatusOK, p.View())
}

func (a *api) backplotJump(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Step int `json:"step"`
	}
	if !a.decode(w, req, &body) {
		return
	}
	p, err := a.plotter()
	if err == nil {
		_, err = p.JumpTo(body.Step)
	}
	if err != nil {
		a.writeError(w, 0, err)
		return
	}
	a.writeJSON(w, http.StatusOK, p.View())
}

func (a *api) backplotAction(w http.ResponseWriter, req *http.Request) {
	p, err := a.plotter()
	if err != nil {
		a.writeError(w, 0, err)
		return
	}
	switch mux.Vars(req)["action"] {
	case "forward":
		p.StepForward()
	case "backward":
		p.StepBackward()
	case "pause":
		p.Pause()
	case "resume":
		p.Resume()
	case "reset":
		p.Reset()
	}
	a.writeJSON(w, http.StatusOK, p.View())
}
