package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/e-vnts/meet-recorder/pkg/events"
	"github.com/e-vnts/meet-recorder/pkg/log"
	"github.com/e-vnts/meet-recorder/pkg/session"
)

// WebSocketConfig holds the event stream timeouts
type WebSocketConfig struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	QueueSize    int
}

// WebSocketServer streams session events to WebSocket clients
type WebSocketServer struct {
	upgrader     websocket.Upgrader
	bus          *events.Bus
	service      SessionService
	config       WebSocketConfig
	clients      map[string]*Client
	clientsMutex sync.RWMutex
}

// NewWebSocketServer creates a new WebSocket server
func NewWebSocketServer(bus *events.Bus, service SessionService, cfg WebSocketConfig) *WebSocketServer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &WebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		bus:     bus,
		service: service,
		config:  cfg,
		clients: make(map[string]*Client),
	}
}

// HandleConnection upgrades the request and streams events until the
// client goes away. An {id} path parameter restricts the stream to one
// session.
func (s *WebSocketServer) HandleConnection(w http.ResponseWriter, r *http.Request) {
	sessionID := GetPathParam(r, "id")
	if sessionID != "" && s.service.Status(sessionID).Status == session.StateNotFound {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade WebSocket connection: %v", err)
		return
	}

	config := ParseConnectionConfig(r.URL.Query(), s.config.QueueSize)
	config.SessionID = sessionID

	client := NewClient(conn, s.bus, s.config)
	s.addClient(client)

	log.WithComponent("event-stream").WithFields(logrus.Fields{"client": client.ID, "remote": conn.RemoteAddr().String()}).
		Infof("Event stream opened for session %q", sessionID)

	client.Process(config)

	s.removeClient(client.ID)
	log.Infof("WebSocket client disconnected: %s", client.ID)
}

// ClientCount returns the number of connected clients
func (s *WebSocketServer) ClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// addClient adds a client to the server's list
func (s *WebSocketServer) addClient(client *Client) {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	s.clients[client.ID] = client
}

// removeClient removes a client from the server's list
func (s *WebSocketServer) removeClient(clientID string) {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	delete(s.clients, clientID)
}

// Client represents a single WebSocket client
type Client struct {
	ID         string
	conn       *websocket.Conn
	bus        *events.Bus
	config     WebSocketConfig
	subscriber *events.Subscriber
	sendChan   chan []byte
	stopChan   chan struct{}
}

// NewClient creates a new client
func NewClient(conn *websocket.Conn, bus *events.Bus, cfg WebSocketConfig) *Client {
	return &Client{
		ID:       "ws-" + uuid.NewString(),
		conn:     conn,
		bus:      bus,
		config:   cfg,
		sendChan: make(chan []byte, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Process subscribes the client and forwards events until either side
// closes
func (c *Client) Process(config *ConnectionConfig) {
	c.subscriber = events.NewSubscriber(c.ID, config.QueueSize)
	c.subscriber.SetSessionFilter(config.SessionID)
	c.subscriber.SetTypeFilter(config.Types)
	c.bus.Subscribe(c.subscriber)
	defer c.bus.Unsubscribe(c.ID)
	defer close(c.sendChan)

	go c.writePump(config)
	go c.readPump()

	if msg, err := CreateSubscribedMessage(config.SessionID, config.Types); err == nil {
		c.sendChan <- msg
	}

	for {
		select {
		case e, ok := <-c.subscriber.Channel:
			if !ok {
				return
			}
			data, err := e.Encode()
			if err != nil {
				log.Errorf("Failed to encode %s event: %v", e.Type, err)
				continue
			}
			select {
			case c.sendChan <- data:
			default:
				log.Warnf("Dropping event for client %s (send channel full)", c.ID)
			}
		case <-c.stopChan:
			return
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *Client) writePump(config *ConnectionConfig) {
	defer func() {
		c.conn.Close()
		close(c.stopChan)
	}()

	pingTicker := time.NewTicker(c.config.PingInterval)
	defer pingTicker.Stop()

	var heartbeat <-chan time.Time
	if config.EnableHeartbeat {
		t := time.NewTicker(config.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case message, ok := <-c.sendChan:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Errorf("Error writing event to WebSocket: %v", err)
				return
			}

		case now := <-heartbeat:
			msg, _ := CreateHeartbeatMessage(now.Unix())
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Errorf("Error writing heartbeat to WebSocket: %v", err)
				return
			}

		case <-pingTicker.C:
			// Send periodic ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Errorf("Error sending ping to WebSocket: %v", err)
				return
			}
			log.Debugf("Sent ping to client %s", c.ID)
		}
	}
}

// readPump drains the connection so pongs and close frames are handled
func (c *Client) readPump() {
	defer func() {
		c.subscriber.Close()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		c.subscriber.Touch()
		log.Debugf("Received pong from client %s", c.ID)
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("WebSocket read error: %v", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}
