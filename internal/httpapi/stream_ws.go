package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlMessage is an inbound JSON control frame.
type controlMessage struct {
	Action string `json:"action"`
}

// streamConn wraps the WebSocket as the session's event sink. All
// writes go through connMu since the dispatcher, the control loop and
// status pushes write concurrently.
type streamConn struct {
	conn   *websocket.Conn
	connMu sync.Mutex
}

func (c *streamConn) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn.WriteJSON(v)
}

// SendTranscript pushes one finalized segment to the client.
func (c *streamConn) SendTranscript(ev session.TranscriptEvent) error {
	return c.writeJSON(struct {
		Type string `json:"type"`
		session.TranscriptEvent
	}{"transcript", ev})
}

// SendStatus pushes a status snapshot to the client.
func (c *streamConn) SendStatus(st session.Status) error {
	return c.writeJSON(struct {
		Type string `json:"type"`
		session.Status
	}{"status", st})
}

func (c *streamConn) sendConnection(meetingID, status string) error {
	return c.writeJSON(map[string]string{
		"type":       "connection",
		"meeting_id": meetingID,
		"status":     status,
	})
}

func (c *streamConn) sendError(msg string) {
	_ = c.writeJSON(map[string]string{"type": "error", "error": msg})
}

func (c *streamConn) close() {
	c.connMu.Lock()
	_ = c.conn.Close()
	c.connMu.Unlock()
}

// handleStreamWS is the audio streaming endpoint. The client connects
// with ?meeting_id=...&token=...; binary frames carry audio, JSON text
// frames carry control actions (ping, status, stop). Transcript
// segments and status updates are pushed back on the same connection.
func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	meetingID := req.URL.Query().Get("meeting_id")
	token := req.URL.Query().Get("token")
	if meetingID == "" || token == "" {
		http.Error(w, "missing meeting_id or token", http.StatusBadRequest)
		return
	}

	userID, err := r.validateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// Ownership check before the upgrade so strangers get a clean 404.
	if _, err := r.store.GetMeeting(req.Context(), meetingID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "meeting not found", http.StatusNotFound)
			return
		}
		r.logger.Printf("stream_ws: meeting lookup failed for %s: %v", meetingID, err)
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("stream_ws: upgrade failed: %v", err)
		return
	}
	sc := &streamConn{conn: conn}

	sess, err := r.sessions.Bind(req.Context(), meetingID, sc)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTerminal):
			sc.sendError("meeting already ended")
		case errors.Is(err, session.ErrAlreadyBound):
			sc.sendError("meeting already has a live listener")
		case errors.Is(err, session.ErrNotFound):
			sc.sendError("meeting not found")
		case errors.Is(err, session.ErrDraining):
			sc.sendError("server is shutting down")
		default:
			r.logger.Printf("stream_ws: bind failed for %s: %v", meetingID, err)
			captureError(req, err, "stream_ws: bind failed")
			sc.sendError("failed to attach to meeting")
		}
		sc.close()
		return
	}

	if err := sc.sendConnection(meetingID, sess.Snapshot().Status); err != nil {
		r.logger.Printf("stream_ws: failed to confirm connection for %s: %v", meetingID, err)
	}

	r.logger.Printf("stream_ws: connection bound to meeting %s", meetingID)
	r.readLoop(sess, sc, userID)
}

// readLoop pumps inbound frames until the connection dies. A closure
// without a preceding stop enters the grace period via HandleClose; a
// stop control frame finalizes immediately with no grace period.
func (r *Router) readLoop(sess *session.Session, sc *streamConn, userID string) {
	defer func() {
		r.sessions.HandleClose(sess)
		sc.close()
	}()

	for {
		msgType, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Printf("stream_ws: connection closed for meeting %s", sess.MeetingID())
			} else {
				r.logger.Printf("stream_ws: read error for meeting %s: %v", sess.MeetingID(), err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := sess.Ingest(data); err != nil {
				// Frames racing a finalize lose cleanly.
				r.logger.Printf("stream_ws: frame rejected for meeting %s: %v", sess.MeetingID(), err)
			}

		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				r.logger.Printf("stream_ws: bad control frame for meeting %s: %v", sess.MeetingID(), err)
				continue
			}
			switch msg.Action {
			case "ping":
				_ = sc.writeJSON(map[string]string{"type": "pong"})
			case "status":
				_ = sc.SendStatus(sess.Snapshot())
			case "stop":
				r.logger.Printf("stream_ws: stop requested for meeting %s", sess.MeetingID())
				if err := r.sessions.Stop(context.Background(), sess.MeetingID(), userID); err != nil {
					r.logger.Printf("stream_ws: stop failed for meeting %s: %v", sess.MeetingID(), err)
					sc.sendError("failed to stop meeting")
					continue
				}
				_ = sc.SendStatus(sess.Snapshot())
				return
			default:
				r.logger.Printf("stream_ws: unknown action %q for meeting %s", msg.Action, sess.MeetingID())
			}
		}
	}
}
