package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// Client represents a connected WebSocket client.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool
}

// Message is the WebSocket envelope for requests, responses and events.
type Message struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Method    string `json:"method"`
	Payload   any    `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Subs: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()
	s.metrics.ConnectedClients.Inc()

	s.logger.Info("websocket client connected", zap.String("id", client.ID))

	go s.readPump(client)
	go s.writePump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		s.metrics.ConnectedClients.Dec()
		client.Conn.Close()
		s.logger.Info("websocket client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(512 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}

		s.handleMessage(client, &msg)
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(client *Client, msg *Message) {
	response := &Message{
		ID:        msg.ID,
		Type:      "response",
		Method:    msg.Method,
		Timestamp: time.Now().UnixMilli(),
	}

	switch msg.Method {
	case "ping":
		response.Payload = map[string]string{"pong": "ok"}

	case "backtest:run":
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			response.Error = "invalid payload"
			break
		}
		var config types.BacktestConfig
		if err := json.Unmarshal(raw, &config); err != nil {
			response.Error = "invalid payload"
			break
		}
		if config.ID == "" {
			config.ID = uuid.New().String()
		}

		state, err := s.startBacktest(context.Background(), &config)
		if err != nil {
			response.Error = err.Error()
			break
		}
		response.Payload = map[string]any{
			"id":     state.ID,
			"status": state.Status,
		}

	case "backtest:status":
		id := payloadString(msg.Payload, "id")
		state, ok := s.runState(id)
		if !ok {
			response.Error = "backtest not found"
			break
		}
		s.mu.RLock()
		response.Payload = map[string]any{
			"id":       state.ID,
			"status":   state.Status,
			"progress": state.engine.Progress(),
		}
		s.mu.RUnlock()

	case "backtest:cancel":
		id := payloadString(msg.Payload, "id")
		state, ok := s.runState(id)
		if !ok {
			response.Error = "backtest not found"
			break
		}
		state.engine.Cancel()
		s.metrics.BacktestsCancelled.Inc()
		response.Payload = map[string]string{"status": "cancelling"}

	case "subscribe":
		channel := payloadString(msg.Payload, "channel")
		client.Subs[channel] = true
		response.Payload = map[string]string{"subscribed": channel}

	case "unsubscribe":
		channel := payloadString(msg.Payload, "channel")
		delete(client.Subs, channel)
		response.Payload = map[string]string{"unsubscribed": channel}

	default:
		response.Error = "unknown method"
	}

	raw, err := json.Marshal(response)
	if err != nil {
		return
	}
	select {
	case client.Send <- raw:
	default:
	}
}

// broadcast sends an event to every connected client. Slow clients are
// skipped rather than blocked on.
func (s *Server) broadcast(msg *Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.Send <- raw:
		default:
		}
	}
}

func payloadString(payload any, key string) string {
	m, _ := payload.(map[string]any)
	v, _ := m[key].(string)
	return v
}
