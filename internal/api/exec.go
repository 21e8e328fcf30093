package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/btouchard/nethopper/internal/executor"
	"github.com/btouchard/nethopper/internal/store"
)

type execRequest struct {
	Target         string `json:"target"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type execData struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
}

type execFailure struct {
	Kind    executor.ErrorKind `json:"kind"`
	Message string             `json:"message"`
}

type execResponse struct {
	OK    bool         `json:"ok"`
	Data  *execData    `json:"data,omitempty"`
	Error *execFailure `json:"error,omitempty"`
}

// execCommand runs a command and waits for it. A non-zero exit is a
// successful request with success=false; transport problems are reported
// with an error kind.
func (h *Handler) execCommand(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Target == "" || req.Command == "" {
		writeJSON(w, http.StatusBadRequest, execResponse{Error: &execFailure{
			Kind:    executor.KindInternal,
			Message: "target and command are required",
		}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.clampTimeout(req.TimeoutSeconds, h.opts.ExecTimeout))
	defer cancel()

	res, err := h.exec.Exec(ctx, req.Target, req.Command)
	if err != nil {
		kind := executor.KindInternal
		if xerr, ok := errors.AsType[*executor.ExecError](err); ok {
			kind = xerr.Kind
		}
		writeJSON(w, execStatus(kind, err), execResponse{Error: &execFailure{Kind: kind, Message: err.Error()}})
		return
	}

	writeJSON(w, http.StatusOK, execResponse{OK: true, Data: &execData{
		Success:  res.Success(),
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}})
}

func execStatus(kind executor.ErrorKind, err error) int {
	switch kind {
	case executor.KindTimeout:
		return http.StatusGatewayTimeout
	case executor.KindNetwork, executor.KindAuth, executor.KindCommand:
		return http.StatusBadGateway
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
