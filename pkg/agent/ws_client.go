package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const msgPlaybook = "playbook"

// WSClient keeps a websocket to the controller open and signals Wake
// whenever a playbook is pushed for this node.
type WSClient struct {
	endpoint string
	token    string
	retry    time.Duration
	logger   *zap.Logger
	wake     chan struct{}
}

func NewWSClient(controller, nodeID, token string, logger *zap.Logger) (*WSClient, error) {
	if controller == "" || nodeID == "" {
		return nil, fmt.Errorf("controller and node id are required")
	}
	u, err := url.Parse(controller)
	if err != nil {
		return nil, fmt.Errorf("parse controller url: %w", err)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	u.Scheme = scheme
	if logger == nil {
		logger = zap.NewNop()
	}
	u.Path = "/api/v1/ws/agent"
	q := u.Query()
	q.Set("nodeId", nodeID)
	u.RawQuery = q.Encode()
	return &WSClient{
		endpoint: u.String(),
		token:    token,
		retry:    5 * time.Second,
		logger:   logger.With(zap.String("node_id", nodeID)),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Wake is signalled at most once per burst of pushes.
func (c *WSClient) Wake() <-chan struct{} { return c.wake }

// Run dials and redials until ctx ends.
func (c *WSClient) Run(ctx context.Context) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	for {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.logger.Debug("ws dial failed", zap.String("url", c.endpoint), zap.Int("status", status), zap.Error(err))
		} else {
			c.logger.Info("ws connected", zap.String("url", c.endpoint))
			c.readLoop(ctx, conn)
			c.logger.Info("ws disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retry):
		}
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()
	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != msgPlaybook {
			continue
		}
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}
