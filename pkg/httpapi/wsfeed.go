package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// logFeed is an io.Writer sink for pkg/logutil.SetOutputTee: every log line
// the process emits is fanned out to connected admin websocket clients.
type logFeed struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	ch chan []byte
}

func newLogFeed() *logFeed {
	return &logFeed{clients: map[*feedClient]struct{}{}}
}

func (f *logFeed) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)
	f.mu.Lock()
	for c := range f.clients {
		select {
		case c.ch <- line:
		default:
		}
	}
	f.mu.Unlock()
	return len(p), nil
}

func (f *logFeed) broadcast(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.ch <- payload:
		default:
		}
	}
}

func (f *logFeed) register() *feedClient {
	c := &feedClient{ch: make(chan []byte, 32)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	return c
}

func (f *logFeed) unregister(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.ch)
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	},
}

// handleAdminWebsocket streams the operator-facing live log feed: every line
// written through pkg/logutil's tee.
func (s *Server) handleAdminWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	client := s.feed.register()
	defer s.feed.unregister(client)

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case msg, ok := <-client.ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
