package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var errInvalidPath = errors.New("invalid path")

// safePath resolves name inside base. Names cannot climb out of base.
func safePath(base, name string) (string, error) {
	if filepath.Separator != '/' && strings.ContainsRune(name, filepath.Separator) {
		return "", errInvalidPath
	}
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", errInvalidPath
	}
	dir := base
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

func (a *api) readFile(name string) ([]byte, error) {
	full, err := safePath(a.dataDir, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// files serves the program library: GET reads, PUT stores and DELETE
// removes files under the data directory.
func (a *api) files() http.Handler {
	fs := http.FileServer(http.Dir(a.dataDir))
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet, http.MethodHead:
			fs.ServeHTTP(w, req)
		case http.MethodPut:
			a.putFile(w, req)
		case http.MethodDelete:
			a.deleteFile(w, req)
		default:
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		}
	})
}

func (a *api) putFile(w http.ResponseWriter, req *http.Request) {
	name, err := safePath(a.dataDir, req.URL.Path)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	err = os.MkdirAll(filepath.Dir(name), 0o755)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	f, err := os.Create(name)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	n, err := io.Copy(f, http.MaxBytesReader(w, req.Body, maxBodySize))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.log.Info("stored program", zap.String("file", req.URL.Path), zap.Int64("bytes", n))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deleteFile(w http.ResponseWriter, req *http.Request) {
	name, err := safePath(a.dataDir, req.URL.Path)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	err = os.Remove(name)
	if errors.Is(err, os.ErrNotExist) {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
