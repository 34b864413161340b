package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/NamanBalaji/bdm/internal/common"
)

// settleTimeout bounds how long the bulk pause and cancel endpoints wait
// for running tasks to stop.
const settleTimeout = 30 * time.Second

// Controller is the part of the download manager the API drives.
// *engine.Manager implements it.
type Controller interface {
	Status() common.BatchStatus
	Tasks() []common.TaskSnapshot
	Queued() []string
	Task(dest string) (common.TaskSnapshot, error)
	Pause(dest string) error
	Resume(dest string) error
	Cancel(dest string) error
	PauseAll(ctx context.Context) error
	ResumeAll() error
	CancelAll(ctx context.Context) error
	Subscribe() (<-chan common.Event, func())
}

type Handler struct {
	ctl Controller
}

func NewHandler(ctl Controller) *Handler {
	return &Handler{ctl: ctl}
}

type taskBody struct {
	Destination string `json:"destination"`
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		markErr(w, err)
	}
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

// GetTasks lists every task, or the one named by the destination query parameter.
func (h *Handler) GetTasks(w http.ResponseWriter, r *http.Request) {
	if dest := r.URL.Query().Get("destination"); dest != "" {
		snap, err := h.ctl.Task(dest)
		if err != nil {
			writeError(w, r, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Tasks())
}

// GetQueue lists the destinations waiting for a worker in dispatch order.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Queued())
}

// TaskAction applies pause, resume or cancel to the task named in the body.
func (h *Handler) TaskAction(w http.ResponseWriter, r *http.Request) {
	var body taskBody
	if err := decodeJSONStrict(w, r, &body); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrContentType) {
			status = http.StatusUnsupportedMediaType
		}
		writeError(w, r, status, err)
		return
	}
	if body.Destination == "" {
		writeError(w, r, http.StatusBadRequest, ErrDestination)
		return
	}

	var err error
	switch mux.Vars(r)["action"] {
	case "pause":
		err = h.ctl.Pause(body.Destination)
	case "resume":
		err = h.ctl.Resume(body.Destination)
	case "cancel":
		err = h.ctl.Cancel(body.Destination)
	}
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}

	snap, err := h.ctl.Task(body.Destination)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) PauseAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), settleTimeout)
	defer cancel()
	h.bulk(w, r, h.ctl.PauseAll(ctx))
}

func (h *Handler) ResumeAll(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.ctl.ResumeAll())
}

func (h *Handler) CancelAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), settleTimeout)
	defer cancel()
	h.bulk(w, r, h.ctl.CancelAll(ctx))
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, r, status, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Status())
}
