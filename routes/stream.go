package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"convertd/events"
	"convertd/logger"
	"convertd/models"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// update is one websocket message.
type update struct {
	Type         string           `json:"type"`
	JobID        string           `json:"job_id"`
	State        models.State     `json:"state"`
	Previous     models.State     `json:"previous,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	ResultRef    string           `json:"result_ref,omitempty"`
	Error        *models.JobError `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

func updateOf(e events.JobEvent) update {
	return update{
		Type:         "job_update",
		JobID:        e.Job.ID,
		State:        e.Job.State,
		Previous:     e.Previous,
		AttemptCount: e.Job.AttemptCount,
		ResultRef:    e.Job.ResultRef,
		Error:        e.Job.Failure(),
		Timestamp:    e.At,
	}
}

// stream upgrades to a websocket and pushes job updates, optionally only
// those of ?job_id=. A client that falls behind loses updates rather than
// slowing the bus.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	if h.opts.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event stream is not enabled"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	only := r.URL.Query().Get("job_id")
	updates := make(chan update, streamBuffer)
	unsubscribe := h.opts.Events.Subscribe(func(_ context.Context, e events.JobEvent) error {
		if only != "" && e.Job.ID != only {
			return nil
		}
		select {
		case updates <- updateOf(e):
		default:
			logger.Debugf("Stream client %s is behind, dropping update for job %s", r.RemoteAddr, e.Job.ID)
		}
		return nil
	})
	defer unsubscribe()
	logger.Infof("WebSocket client connected: %s", r.RemoteAddr)

	// the read side only watches for the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			logger.Infof("WebSocket client disconnected: %s", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case u := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(u); err != nil {
				logger.Warnf("Error sending update to %s: %v", r.RemoteAddr, err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
