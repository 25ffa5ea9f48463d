package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
)

// Event is the payload published for every domain occurrence — the same
// shape persisted by internal/store's audit event log, re-published here for
// in-process subscribers (the supervisor's own tick loop, telemetry, a
// future streaming API) that want it live instead of polled.
type Event struct {
	WorkspaceID string         `json:"workspace_id"`
	Kind        string         `json:"kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// Subject returns the NATS subject an Event of this kind is published on:
// workspace.<workspace_id>.<event_kind>.
func Subject(workspaceID, kind string) string {
	return fmt.Sprintf("workspace.%s.%s", workspaceID, kind)
}

// WorkspaceWildcard returns the subscription subject that matches every
// event kind for one workspace.
func WorkspaceWildcard(workspaceID string) string {
	return fmt.Sprintf("workspace.%s.*", workspaceID)
}

// Client is a thin publish/subscribe wrapper around a NATS connection,
// scoped to Event payloads.
type Client struct {
	conn *nc.Conn
}

// Connect dials the embedded Server at url.
func Connect(url string) (*Client, error) {
	conn, err := nc.Connect(url,
		nc.ReconnectWait(time.Second),
		nc.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to eventbus: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Publish emits evt on its workspace/kind subject.
func (c *Client) Publish(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(evt.WorkspaceID, evt.Kind)
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for every event published on subject
// (typically Subject(...) for one kind, or WorkspaceWildcard(...) for all
// kinds in a workspace).
func (c *Client) Subscribe(subject string, handler func(Event)) (*nc.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nc.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		handler(evt)
	})
}

// Flush blocks until buffered publishes reach the server — tests use this to
// make delivery deterministic before asserting on a handler's side effects.
func (c *Client) Flush() error {
	return c.conn.Flush()
}
