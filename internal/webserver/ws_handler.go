package webserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agentdeck/agentdeck/internal/event"
)

const wsWriteTimeout = 15 * time.Second

// wsServerMessage is the server-to-client envelope.
type wsServerMessage struct {
	Type  string       `json:"type"` // "meta", "event", "resync", "error"
	Event *event.Event `json:"event,omitempty"`
	Meta  any          `json:"meta,omitempty"`
	Error string       `json:"error,omitempty"`
	// LastSeq accompanies "resync": the client reconnects with
	// resume_from set to the last sequence it fully processed.
	LastSeq uint64 `json:"last_seq,omitempty"`
}

// wsClientMessage is the client-to-server envelope.
type wsClientMessage struct {
	Type string `json:"type"` // "input", "resize"
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// handleSessionWebSocket is the duplex live channel: committed events stream
// out (backfill from resume_from, then live), terminal input and resize
// requests flow in.
func (srv *Server) handleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	resumeFrom := parseUintQuery(r, "resume_from", 0)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()

	sub, err := srv.orch.Subscribe(ctx, sessionID, resumeFrom)
	if err != nil {
		data, _ := json.Marshal(wsServerMessage{Type: "error", Error: err.Error()})
		_ = ws.Write(ctx, websocket.MessageText, data)
		ws.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer srv.orch.Unsubscribe(sub)

	send := func(msg wsServerMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return ws.Write(writeCtx, websocket.MessageText, data)
	}

	if rec, err := srv.orch.Store().GetSession(ctx, sessionID); err == nil {
		if s, ok := srv.orch.Get(sessionID); ok {
			live := s.Record()
			rec = &live
		}
		if err := send(wsServerMessage{Type: "meta", Meta: rec}); err != nil {
			return
		}
	}

	// Reader: client input and resize requests.
	go func() {
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var msg wsClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				decoded, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil || len(decoded) == 0 {
					continue
				}
				_ = srv.orch.SendInput(sessionID, decoded)
			case "resize":
				if msg.Cols <= 0 || msg.Rows <= 0 {
					continue
				}
				if s, ok := srv.orch.Get(sessionID); ok {
					_ = s.Resize(clampToUint16(msg.Rows), clampToUint16(msg.Cols))
				}
			}
		}
	}()

	// Writer: committed events until disconnect or resync.
	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return

		case <-sub.Resync():
			_ = send(wsServerMessage{Type: "resync", LastSeq: lastSeq})
			ws.Close(websocket.StatusNormalClosure, "resync required")
			return

		case ev, ok := <-sub.Events():
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := send(wsServerMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
			lastSeq = ev.Seq
		}
	}
}

func clampToUint16(value int) uint16 {
	if value < 1 {
		return 1
	}
	if value > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(value)
}
