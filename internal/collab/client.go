package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from the SPA origin; auth happens via token,
	// not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and runs the connection until either side
// closes it. The caller has already authenticated the user.
func (e *Engine) ServeWS(w http.ResponseWriter, r *http.Request, user Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("collab: upgrade: %v", err)
		return
	}

	sess := e.Register(uuid.NewString(), user)
	go e.writePump(conn, sess)
	e.readPump(r.Context(), conn, sess)
}

func (e *Engine) readPump(ctx context.Context, conn *websocket.Conn, sess *Session) {
	defer func() {
		e.Disconnect(sess)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("collab: read conn %s: %v", sess.ConnID, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.SendError(sess, CodeValidation, "malformed message")
			continue
		}
		if err := e.Dispatch(ctx, sess, msg); err != nil {
			var opErr *OpError
			if errors.As(err, &opErr) {
				e.SendError(sess, opErr.Code, opErr.Message)
				continue
			}
			log.Printf("collab: dispatch %s for conn %s: %v", msg.Type, sess.ConnID, err)
			e.SendError(sess, CodeServerError, "internal error")
		}
	}
}

func (e *Engine) writePump(conn *websocket.Conn, sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sess.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
