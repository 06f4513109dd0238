package session

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"loom/broker/internal/util"
	"loom/broker/internal/wire"
)

const (
	writeWait = 10 * time.Second
	// sendBuffer bounds per-session queued frames; a session that cannot
	// drain its queue is disconnected rather than allowed to stall others.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Session is one connected editor process.
type Session struct {
	ID        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) enqueue(frame []byte) {
	select {
	case <-s.done:
	case s.send <- frame:
	default:
		// Queue full; drop the connection, the client will reconnect and
		// resync.
		s.close()
	}
}

// ServeWS upgrades an HTTP request into a session connection and runs its
// read loop until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	sess := &Session{
		ID:   util.NewID("sess"),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(sess)
	go sess.writeLoop()
	defer func() {
		sess.close()
		h.unregister(sess.ID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req wire.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			sess.sendResponse(wire.Response{Error: wire.Errorf(wire.CodeInvalidArgs, "malformed request frame")})
			continue
		}
		sess.sendResponse(h.handler.Handle(r.Context(), sess.ID, req))
	}
}

func (s *Session) sendResponse(resp wire.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		log.Printf("encode response: %v", err)
		return
	}
	s.enqueue(frame)
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		}
	}
}
