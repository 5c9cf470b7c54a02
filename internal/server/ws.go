package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"voice-transcriber/internal/jobs"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The auth proxy in front of this service handles origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents upgrades the connection and streams job events for the
// caller's jobs. On connect, the current state of every registered job is
// replayed so a client reconnecting mid-job starts from truth instead of
// waiting for the next update.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	owner := userID(r)
	sub := a.hub.Subscribe(owner)
	defer sub.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Reader goroutine: the client sends nothing meaningful, but reading is
	// required to process control frames and notice disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	// An event published between Subscribe and the snapshot read sits
	// buffered in sub.C carrying state older than the replayed snapshot.
	// Remember the progress replayed per job so those stale updates can be
	// dropped instead of rewinding the client.
	replayed := make(map[string]int)
	for _, snapshot := range a.engine.ActiveSnapshots(owner) {
		replayed[snapshot.JobID] = snapshot.Progress
		evt := jobs.Event{
			Type:       jobs.EventStatusUpdate,
			JobID:      snapshot.JobID,
			Status:     snapshot.Status,
			Progress:   snapshot.Progress,
			Stage:      snapshot.Stage,
			Filename:   snapshot.Filename,
			Cancelling: snapshot.Cancelling,
		}
		if !a.writeEvent(conn, evt) {
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt := <-sub.C:
			if evt.Type == jobs.EventStatusUpdate {
				if last, ok := replayed[evt.JobID]; ok && evt.Progress < last {
					continue
				}
				replayed[evt.JobID] = evt.Progress
			}
			if !a.writeEvent(conn, evt) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if pingErr := conn.WriteMessage(websocket.PingMessage, nil); pingErr != nil {
				return
			}
		}
	}
}

// writeEvent sends one event frame, reporting whether the connection is
// still usable.
func (a *App) writeEvent(conn *websocket.Conn, evt jobs.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(evt); err != nil {
		a.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
