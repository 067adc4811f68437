package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Endpoint paths below the gateway base URL. Each endpoint multiplexes
// operations through an "action" query parameter.
const (
	endpointAuth     = "/auth"
	endpointChats    = "/chats"
	endpointMessages = "/messages"
	endpointCalls    = "/calls"
)

// Client talks to the remote authority over HTTP/JSON. All calls are
// safe to retry except SendMessage and InitiateCall, which rely on the
// caller-supplied client id / offer for server-side deduplication.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger

	mu     sync.RWMutex
	userID string
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// SetUser sets the authenticated user id stamped on subsequent requests.
func (c *Client) SetUser(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// UserID returns the authenticated user id, or "" before login.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// do issues one gateway request. A nil body means GET, otherwise the
// body is POSTed as JSON. out, when non-nil, receives the decoded
// response payload.
func (c *Client) do(ctx context.Context, endpoint, action string, body any, params map[string]string, out any) error {
	q := url.Values{}
	q.Set("action", action)
	for k, v := range params {
		q.Set(k, v)
	}
	reqURL := c.base + endpoint + "?" + q.Encode()

	method := http.MethodGet
	var reader *bytes.Reader
	if body != nil {
		method = http.MethodPost
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := c.UserID(); id != "" {
		req.Header.Set("X-User-Id", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, endpoint, ErrRemoteUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s %s: status %d: %w", action, endpoint, resp.StatusCode, ErrRemoteUnavailable)
	}

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &RemoteError{Status: resp.StatusCode, Message: payload.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Register creates a new account and returns the created identity.
func (c *Client) Register(ctx context.Context, identity, secret, displayName string) (*Identity, error) {
	var id Identity
	err := c.do(ctx, endpointAuth, "register", map[string]any{
		"phone":        identity,
		"password":     secret,
		"display_name": displayName,
	}, nil, &id)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Login authenticates an existing account.
func (c *Client) Login(ctx context.Context, identity, secret string) (*Identity, error) {
	var id Identity
	err := c.do(ctx, endpointAuth, "login", map[string]any{
		"phone":    identity,
		"password": secret,
	}, nil, &id)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// SearchUsers queries the user directory. The server excludes the
// requesting user from results.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	var out struct {
		Users []User `json:"users"`
	}
	err := c.do(ctx, endpointAuth, "search", map[string]any{
		"query":   query,
		"user_id": c.UserID(),
	}, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Users, nil
}

// UpdateProfile changes the display name and avatar reference.
func (c *Client) UpdateProfile(ctx context.Context, displayName, avatar string) error {
	return c.do(ctx, endpointAuth, "profile", map[string]any{
		"user_id":      c.UserID(),
		"display_name": displayName,
		"avatar":       avatar,
	}, nil, nil)
}

// SetPresence reports the user as online or offline.
func (c *Client) SetPresence(ctx context.Context, online bool) error {
	return c.do(ctx, endpointAuth, "status", map[string]any{
		"user_id": c.UserID(),
		"online":  online,
	}, nil, nil)
}

// ListChats fetches the full chat list for the authenticated user.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	var out struct {
		Chats []Chat `json:"chats"`
	}
	err := c.do(ctx, endpointChats, "list", nil, map[string]string{"user_id": c.UserID()}, &out)
	if err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// CreateDirectChat opens (or returns) the direct chat with a peer.
func (c *Client) CreateDirectChat(ctx context.Context, peerID string) (string, error) {
	var out struct {
		ChatID string `json:"chat_id"`
	}
	err := c.do(ctx, endpointChats, "create", map[string]any{
		"user_id":    c.UserID(),
		"partner_id": peerID,
	}, nil, &out)
	if err != nil {
		return "", err
	}
	return out.ChatID, nil
}

// CreateGroupChat creates a named chat with the given members.
func (c *Client) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (string, error) {
	var out struct {
		ChatID string `json:"chat_id"`
	}
	err := c.do(ctx, endpointChats, "create_group", map[string]any{
		"user_id":    c.UserID(),
		"name":       name,
		"member_ids": memberIDs,
	}, nil, &out)
	if err != nil {
		return "", err
	}
	return out.ChatID, nil
}

// MarkRead clears the unread counter of a chat server-side.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	return c.do(ctx, endpointChats, "read", map[string]any{
		"user_id": c.UserID(),
		"chat_id": chatID,
	}, nil, nil)
}

// LeaveChat removes the user from a chat.
func (c *Client) LeaveChat(ctx context.Context, chatID string) error {
	return c.do(ctx, endpointChats, "leave", map[string]any{
		"user_id": c.UserID(),
		"chat_id": chatID,
	}, nil, nil)
}

// SendMessage submits one message. Not idempotent by itself; the
// clientID lets the server deduplicate a retried submission.
func (c *Client) SendMessage(ctx context.Context, chatID, text, clientID string) (*SendReceipt, error) {
	var receipt SendReceipt
	err := c.do(ctx, endpointMessages, "send", map[string]any{
		"user_id":   c.UserID(),
		"chat_id":   chatID,
		"text":      text,
		"client_id": clientID,
	}, nil, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ListMessages fetches the message list of one chat, optionally only
// messages after the given cursor value.
func (c *Client) ListMessages(ctx context.Context, chatID, after string) ([]Message, error) {
	params := map[string]string{"chat_id": chatID}
	if after != "" {
		params["after"] = after
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, endpointMessages, "list", nil, params, &out)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PollMessages fetches all of the user's messages newer than the cursor.
func (c *Client) PollMessages(ctx context.Context, after string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, endpointMessages, "poll", nil, map[string]string{
		"after":   after,
		"user_id": c.UserID(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SyncPending submits a batch of queued messages. The response lists
// the accepted entries keyed by client id; an id absent from the
// response carries no meaning.
func (c *Client) SyncPending(ctx context.Context, batch []PendingMessage) ([]SyncResult, error) {
	var out struct {
		Results []SyncResult `json:"results"`
	}
	err := c.do(ctx, endpointMessages, "sync", map[string]any{
		"user_id":  c.UserID(),
		"messages": batch,
	}, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// DeleteMessage deletes a message, for everyone when forAll is set.
func (c *Client) DeleteMessage(ctx context.Context, id string, forAll bool) error {
	return c.do(ctx, endpointMessages, "delete", map[string]any{
		"user_id": c.UserID(),
		"id":      id,
		"for_all": forAll,
	}, nil, nil)
}

// InitiateCall submits a call offer to a peer. Not idempotent; the
// server cancels any prior ringing/active call of this user first.
func (c *Client) InitiateCall(ctx context.Context, calleeID, chatID, callType, offer string) (string, error) {
	var out struct {
		CallID string `json:"call_id"`
	}
	err := c.do(ctx, endpointCalls, "initiate", map[string]any{
		"user_id":   c.UserID(),
		"callee_id": calleeID,
		"chat_id":   chatID,
		"call_type": callType,
		"sdp_offer": offer,
	}, nil, &out)
	if err != nil {
		return "", err
	}
	return out.CallID, nil
}

// AnswerCall submits the callee's answer for a ringing call.
func (c *Client) AnswerCall(ctx context.Context, callID, answer string) error {
	return c.do(ctx, endpointCalls, "answer", map[string]any{
		"user_id":    c.UserID(),
		"call_id":    callID,
		"sdp_answer": answer,
	}, nil, nil)
}

// SendFragment relays one connectivity candidate to the peer.
func (c *Client) SendFragment(ctx context.Context, callID, candidate string) error {
	return c.do(ctx, endpointCalls, "ice", map[string]any{
		"user_id":   c.UserID(),
		"call_id":   callID,
		"candidate": candidate,
	}, nil, nil)
}

// PollCall fetches the user's current call, if any, plus peer fragments.
func (c *Client) PollCall(ctx context.Context) (*CallPoll, error) {
	var out CallPoll
	err := c.do(ctx, endpointCalls, "poll", nil, map[string]string{"user_id": c.UserID()}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EndCall terminates a ringing or active call.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.do(ctx, endpointCalls, "end", map[string]any{
		"user_id": c.UserID(),
		"call_id": callID,
	}, nil, nil)
}

// RejectCall declines a ringing incoming call.
func (c *Client) RejectCall(ctx context.Context, callID string) error {
	return c.do(ctx, endpointCalls, "reject", map[string]any{
		"user_id": c.UserID(),
		"call_id": callID,
	}, nil, nil)
}
