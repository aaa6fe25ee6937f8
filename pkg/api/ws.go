package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSMessage defines a simple envelope for agent<->controller messages.
type WSMessage struct {
	Type    string      `json:"type"`              // e.g. playbook
	NodeID  string      `json:"nodeId,omitempty"`  // source/target node
	Payload interface{} `json:"payload,omitempty"` // arbitrary JSON
}

// MsgPlaybook tells an agent that a playbook is waiting; it still polls.
const MsgPlaybook = "playbook"

type agentConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex // gorilla allows one concurrent writer
}

func (a *agentConn) write(msg WSMessage) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return a.conn.WriteJSON(msg)
}

// WSHub maintains agent connections keyed by node ID.
type WSHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	mu       sync.RWMutex
	agents   map[string]*agentConn
}

func NewWSHub(logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		agents: map[string]*agentConn{},
	}
}

// HandleAgentWS upgrades and stores the connection for a node; expects
// ?nodeId=xxx. A new connection replaces the node's previous one, so the
// route must only be mounted behind authentication.
func (h *WSHub) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "nodeId required"})
		return
	}
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	ac := &agentConn{conn: c}
	h.mu.Lock()
	if old, ok := h.agents[nodeID]; ok {
		_ = old.conn.Close()
	}
	h.agents[nodeID] = ac
	h.mu.Unlock()
	h.logger.Info("agent ws connected", zap.String("node_id", nodeID))
	go h.readLoop(nodeID, ac)
}

// Connected reports whether a node currently holds a connection.
func (h *WSHub) Connected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.agents[nodeID]
	return ok
}

// Send sends a message to a node if connected.
func (h *WSHub) Send(nodeID string, msg WSMessage) {
	h.mu.RLock()
	ac := h.agents[nodeID]
	h.mu.RUnlock()
	if ac == nil {
		return
	}
	if err := ac.write(msg); err != nil {
		h.logger.Debug("ws send failed", zap.String("node_id", nodeID), zap.String("type", msg.Type), zap.Error(err))
	}
}

// NotifyPlaybook wakes every connected target node.
func (h *WSHub) NotifyPlaybook(nodeIDs []string, playbookID string) {
	for _, n := range nodeIDs {
		h.Send(n, WSMessage{
			Type:    MsgPlaybook,
			NodeID:  n,
			Payload: map[string]string{"playbook_id": playbookID},
		})
	}
}

func (h *WSHub) readLoop(nodeID string, ac *agentConn) {
	defer func() {
		_ = ac.conn.Close()
		h.mu.Lock()
		if h.agents[nodeID] == ac {
			delete(h.agents, nodeID)
		}
		h.mu.Unlock()
		h.logger.Info("agent ws disconnected", zap.String("node_id", nodeID))
	}()
	for {
		var msg WSMessage
		if err := ac.conn.ReadJSON(&msg); err != nil {
			return
		}
		// agents report outcomes over HTTP; the socket is wake-up only
		h.logger.Debug("ws recv", zap.String("node_id", nodeID), zap.String("type", msg.Type))
	}
}
