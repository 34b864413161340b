package api

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/NamanBalaji/bdm/internal/common"
	"github.com/NamanBalaji/bdm/internal/logger"
)

const eventWriteTimeout = 10 * time.Second

// Events streams manager events as JSON text messages until the client
// goes away or the manager shuts down.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	events, unsubscribe := h.ctl.Subscribe()
	defer unsubscribe()

	id, _ := RequestIDFrom(r.Context())
	log := logger.With("api").With().Str("request_id", id).Logger()
	log.Debug().Msg("event subscriber connected")

	// a first summary lets clients render before anything changes
	if err := h.write(ctx, conn, common.NewSummaryEvent(h.ctl.Status())); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("event subscriber left")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "manager shut down")
				return
			}
			if err := h.write(ctx, conn, ev); err != nil {
				log.Debug().Err(err).Msg("event write failed")
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
