package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voltaic-io/telemux/internal/subscription"
)

// Peer endpoint paths. The node HTTP server mounts the matching inbound
// handlers.
const (
	PathNewSubscription    = "/v1/cluster/subscriptions"
	PathSubscriptionClosed = "/v1/cluster/subscriptions/close"
	PathUpdate             = "/v1/cluster/updates"
	PathSessionClosed      = "/v1/cluster/sessions/close"
)

// NewSubscriptionMsg forwards a registration to the device's owner.
type NewSubscriptionMsg struct {
	From    string              `json:"from"`
	Session string              `json:"session"`
	Record  subscription.Record `json:"record"`
}

// UpdateMsg relays a computed delta to a session's home node.
type UpdateMsg struct {
	Session string              `json:"session"`
	Update  subscription.Update `json:"update"`
}

// SubscriptionClosedMsg tells the owner to drop one forwarded record.
type SubscriptionClosedMsg struct {
	Session        string `json:"session"`
	SubscriptionID int    `json:"subscriptionId"`
}

// SessionClosedMsg tells an owner the whole session is gone.
type SessionClosedMsg struct {
	Session string `json:"session"`
}

// HTTPTransport relays cluster messages to peers as JSON over HTTP.
// Fire-and-forget: one attempt, no retry; errors surface to the caller.
type HTTPTransport struct {
	self   string
	client *http.Client
}

// NewHTTPTransport builds a transport identifying itself as self (the local
// advertise address peers reply to).
func NewHTTPTransport(self string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{self: self, client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) post(ctx context.Context, addr, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("cluster: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("cluster: post %s to %s: %w", path, addr, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("cluster: peer %s returned %d for %s", addr, resp.StatusCode, path)
	}
	return nil
}

// SendNewSubscription implements subscription.ClusterTransport.
func (t *HTTPTransport) SendNewSubscription(ctx context.Context, addr string, session subscription.SessionID, rec subscription.Record) error {
	return t.post(ctx, addr, PathNewSubscription, NewSubscriptionMsg{From: t.self, Session: string(session), Record: rec})
}

// SendUpdate implements subscription.ClusterTransport.
func (t *HTTPTransport) SendUpdate(ctx context.Context, addr string, session subscription.SessionID, u subscription.Update) error {
	return t.post(ctx, addr, PathUpdate, UpdateMsg{Session: string(session), Update: u})
}

// SendSubscriptionClosed implements subscription.ClusterTransport.
func (t *HTTPTransport) SendSubscriptionClosed(ctx context.Context, addr string, session subscription.SessionID, subID int) error {
	return t.post(ctx, addr, PathSubscriptionClosed, SubscriptionClosedMsg{Session: string(session), SubscriptionID: subID})
}

// SendSessionClosed implements subscription.ClusterTransport.
func (t *HTTPTransport) SendSessionClosed(ctx context.Context, addr string, session subscription.SessionID) error {
	return t.post(ctx, addr, PathSessionClosed, SessionClosedMsg{Session: string(session)})
}
