package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoginSetsNoHeaderBeforeAuth(t *testing.T) {
	var gotHeader string
	var gotAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-User-Id")
		gotAction = r.URL.Query().Get("action")
		_ = json.NewEncoder(w).Encode(Identity{UserID: "u1", DisplayName: "Alice"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	id, err := c.Login(context.Background(), "+70000000001", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if id.UserID != "u1" {
		t.Errorf("user id = %q, want u1", id.UserID)
	}
	if gotHeader != "" {
		t.Errorf("X-User-Id = %q before login, want empty", gotHeader)
	}
	if gotAction != "login" {
		t.Errorf("action = %q, want login", gotAction)
	}
}

func TestUserHeaderStampedAfterSetUser(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-User-Id")
		_, _ = w.Write([]byte(`{"chats":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	c.SetUser("u1")
	if _, err := c.ListChats(context.Background()); err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if gotHeader != "u1" {
		t.Errorf("X-User-Id = %q, want u1", gotHeader)
	}
}

func TestRemoteErrorOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"already registered"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.Register(context.Background(), "+70000000001", "pw", "Alice")
	if err == nil {
		t.Fatal("Register() expected error")
	}

	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error type = %T, want *RemoteError", err)
	}
	if re.Status != http.StatusConflict || re.Message != "already registered" {
		t.Errorf("got %d/%q, want 409/already registered", re.Status, re.Message)
	}
	if !IsRejected(err) {
		t.Error("IsRejected() = false, want true")
	}
}

func TestRemoteUnavailableOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.PollMessages(context.Background(), "")
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("error = %v, want ErrRemoteUnavailable", err)
	}
	if IsRejected(err) {
		t.Error("IsRejected() = true for 5xx, want false")
	}
}

func TestRemoteUnavailableOnConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately, so requests fail

	c := NewClient(srv.URL, nil)
	_, err := c.ListChats(context.Background())
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("error = %v, want ErrRemoteUnavailable", err)
	}
}

func TestSendMessageCarriesClientID(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(SendReceipt{ServerID: "srv-1", ClientID: "c-1", CreatedAt: "2026-01-02T10:00:00Z"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	c.SetUser("u1")
	receipt, err := c.SendMessage(context.Background(), "chat-1", "hi", "c-1")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if receipt.ServerID != "srv-1" {
		t.Errorf("server id = %q, want srv-1", receipt.ServerID)
	}
	if gotBody["client_id"] != "c-1" {
		t.Errorf("client_id in body = %v, want c-1", gotBody["client_id"])
	}
}

func TestSyncPendingDecodesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"id":"s1","client_id":"c1","status":"sent","created_at":"2026-01-02T10:00:00Z"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	c.SetUser("u1")
	results, err := c.SyncPending(context.Background(), []PendingMessage{{ChatID: "chat-1", Text: "hi", ClientID: "c1"}})
	if err != nil {
		t.Fatalf("SyncPending() error = %v", err)
	}
	if len(results) != 1 || results[0].ClientID != "c1" {
		t.Errorf("results = %+v, want one entry for c1", results)
	}
}

func TestPollCallNullCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"call":null,"ice_candidates":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	c.SetUser("u1")
	res, err := c.PollCall(context.Background())
	if err != nil {
		t.Fatalf("PollCall() error = %v", err)
	}
	if res.Call != nil {
		t.Errorf("call = %+v, want nil", res.Call)
	}
}
