package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSMessage represents a message from the client
type WSMessage struct {
	Action         string `json:"action"`
	TargetPlayerID string `json:"target_player_id,omitempty"`
}

// wsEnvelope is every message sent to a client
type wsEnvelope struct {
	Type  string    `json:"type"` // "state", "toast" or "deleted"
	Game  *GameView `json:"game,omitempty"`
	Toast *Toast    `json:"toast,omitempty"`
}

// Client represents a websocket connection of one player in one game
type Client struct {
	conn    *websocket.Conn
	gameID  string
	uid     string
	writeMu sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

func (c *Client) send(env wsEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	LogWSMessage("OUT", c.uid, string(data))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type gameUpdate struct {
	gameID string
	game   *Game // nil once deleted
}

// Hub pushes per-player views of each game to its connected clients. It
// follows a game in the store only while someone is connected to it.
type Hub struct {
	store      Store
	now        func() time.Time
	clients    map[*websocket.Conn]*Client
	feeds      map[string]context.CancelFunc
	updates    chan gameUpdate
	register   chan *Client
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
	wg         sync.WaitGroup
}

func newHub(store Store, now func() time.Time) *Hub {
	return &Hub{
		store:      store,
		now:        now,
		clients:    make(map[*websocket.Conn]*Client),
		feeds:      make(map[string]context.CancelFunc),
		updates:    make(chan gameUpdate),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn, 64),
		done:       make(chan struct{}),
	}
}

// stop signals the hub goroutine to exit and waits for it to finish
func (h *Hub) stop() {
	close(h.done)
	h.wg.Wait()
}

func (h *Hub) sendToPlayer(gameID, uid string, env wsEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.gameID == gameID && client.uid == uid {
			if err := client.send(env); err != nil {
				log.Printf("WebSocket write error to player %s: %v", uid, err)
			}
		}
	}
}

// start launches the hub loop.
func (h *Hub) start() {
	h.wg.Add(1)
	go h.run()
}

func (h *Hub) run() {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		for _, cancel := range h.feeds {
			cancel()
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			if _, ok := h.feeds[client.gameID]; !ok {
				ctx, cancel := context.WithCancel(context.Background())
				h.feeds[client.gameID] = cancel
				go h.follow(ctx, client.gameID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (player %s, game %s). Total: %d", client.uid, client.gameID, total)

			g, err := h.store.GetGame(context.Background(), client.gameID)
			if err != nil {
				logError("hub.register: GetGame", err)
				continue
			}
			view := buildGameView(g, client.uid, h.now())
			if err := client.send(wsEnvelope{Type: "state", Game: &view}); err != nil {
				log.Printf("WebSocket write error: %v", err)
			}

		case conn := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[conn]; ok {
				h.removeLocked(conn)
				DebugLog("hub.unregister", "Player %s disconnected from game %s", client.uid, client.gameID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total: %d", total)

		case u := <-h.updates:
			h.mu.Lock()
			for conn, client := range h.clients {
				if client.gameID != u.gameID {
					continue
				}
				env := wsEnvelope{Type: "deleted"}
				if u.game != nil {
					view := buildGameView(u.game, client.uid, h.now())
					env = wsEnvelope{Type: "state", Game: &view}
				}
				if err := client.send(env); err != nil {
					log.Printf("WebSocket write error: %v", err)
					h.removeLocked(conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// removeLocked drops conn and stops following its game once nobody is left.
func (h *Hub) removeLocked(conn *websocket.Conn) {
	client, ok := h.clients[conn]
	if !ok {
		return
	}
	delete(h.clients, conn)
	conn.Close()

	for _, c := range h.clients {
		if c.gameID == client.gameID {
			return
		}
	}
	if cancel, ok := h.feeds[client.gameID]; ok {
		cancel()
		delete(h.feeds, client.gameID)
	}
}

// follow forwards store snapshots of gameID to the hub loop.
func (h *Hub) follow(ctx context.Context, gameID string) {
	snapshots, unsubscribe := h.store.Subscribe(gameID)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case g := <-snapshots:
			select {
			case h.updates <- gameUpdate{gameID: gameID, game: g}:
			case <-ctx.Done():
				return
			case <-h.done:
				return
			}
			if g == nil {
				return
			}
		}
	}
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())
	gameID := r.URL.Query().Get("game")

	g, err := s.engine.store.GetGame(r.Context(), gameID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if _, ok := g.player(uid); !ok {
		DebugLog("handleWebSocket", "Rejected %s - not in game %s", uid, gameID)
		writeError(w, http.StatusForbidden, ErrNotInGame.Error())
		return
	}

	var upgrader = websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for player %s: %v", uid, err)
		return
	}

	DebugLog("handleWebSocket", "WebSocket upgraded for player %s in game %s", uid, gameID)
	client := &Client{conn: conn, gameID: gameID, uid: uid}
	s.hub.register <- client

	// Handle messages and disconnection
	go func() {
		defer func() {
			s.hub.unregister <- conn
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleWSMessage(client, message)
		}
	}()
}
