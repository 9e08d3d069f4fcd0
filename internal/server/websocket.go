package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tscodex/mcp-manager-app/internal/eventbus"
)

// eventFrame is the JSON shape pushed over /events for both channels;
// exactly one of Server/App is populated, mirroring eventbus.Event.
type eventFrame struct {
	Channel eventbus.Channel      `json:"channel"`
	Server  *eventbus.ServerEvent `json:"server,omitempty"`
	App     *eventbus.AppEvent    `json:"app,omitempty"`
}

// handleEvents upgrades to a WebSocket and streams every bus event
// (both the server and app channels) as one JSON frame per message,
// until the client disconnects or the server is shutting down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originAllowed(origin, s.config.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	serverSub := s.bus.Subscribe(eventbus.ChannelServer)
	appSub := s.bus.Subscribe(eventbus.ChannelApp)
	defer serverSub.Unsubscribe()
	defer appSub.Unsubscribe()

	var writeMu sync.Mutex
	closed := make(chan struct{})

	pump := func(sub *eventbus.Subscription) {
		for {
			ev, ok := sub.Next()
			if !ok {
				return
			}
			frame := eventFrame{Channel: ev.Channel, Server: ev.Server, App: ev.App}
			writeMu.Lock()
			err := conn.WriteJSON(frame)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}

	go pump(serverSub)
	go pump(appSub)

	// Drain and discard client frames; their only purpose here is to
	// let us detect disconnection via a read error, and to respond to
	// control pings the gorilla library handles internally.
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-s.done:
	}
}
