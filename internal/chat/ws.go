package chat

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	historyReplay  = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type inboundFrame struct {
	Body string `json:"body"`
}

// ServeWS upgrades the request and attaches the connection to a proposal
// room. The caller has already authenticated the user and verified the
// proposal exists.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, proposalID, userID, userName string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("chat: upgrade: %v", err)
		return
	}

	events, cancel := h.Subscribe(proposalID)
	defer cancel()

	// Replay recent history before any live events so the client sees a
	// seq-ordered stream from the start.
	history, err := h.History(r.Context(), proposalID, historyReplay)
	if err != nil {
		log.Printf("chat: history %s: %v", proposalID, err)
	}
	for _, msg := range history {
		ev := Event{
			Type:       "message",
			Seq:        msg.Seq,
			ProposalID: msg.ProposalID,
			SenderID:   msg.SenderID,
			Body:       msg.Body,
			SentAt:     msg.CreatedAt.UnixMilli(),
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			return
		}
	}

	done := make(chan struct{})
	go h.writeLoop(conn, events, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("chat: read %s: %v", proposalID, err)
			}
			break
		}
		if frame.Body == "" {
			continue
		}
		if _, err := h.Publish(r.Context(), proposalID, userID, userName, frame.Body); err != nil {
			log.Printf("chat: publish %s: %v", proposalID, err)
		}
	}

	close(done)
	conn.Close()
}

func (h *Hub) writeLoop(conn *websocket.Conn, events <-chan Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
