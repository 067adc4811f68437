package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/gateway"
	"github.com/cipherim/cipher/internal/lock"
	"github.com/cipherim/cipher/internal/netmon"
	"github.com/cipherim/cipher/internal/outbox"
	"github.com/cipherim/cipher/internal/status"
	"github.com/cipherim/cipher/internal/store"
	intsync "github.com/cipherim/cipher/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func TestModuleGraph(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if err := fx.ValidateApp(Module(Params{SessionName: "test"})); err != nil {
		t.Fatalf("dependency graph invalid: %v", err)
	}
}

func waitForStatus(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

// TestRuntimeStateFollowsConnectivity drives the session state machine
// through bus events: a completed sync cycle promotes a connecting
// session to ready, losing reachability parks it offline, and regaining
// it resumes connecting until the next sync completes.
func TestRuntimeStateFollowsConnectivity(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	if err := machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchRuntimeState(ctx, b, machine)

	b.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: map[string]int{"applied": 0}})
	waitForStatus(t, machine, status.Ready)

	b.Publish(bus.Event{Kind: bus.KindNetChanged, Payload: netmon.State{Online: false, Quality: netmon.QualityOffline}})
	waitForStatus(t, machine, status.Offline)

	b.Publish(bus.Event{Kind: bus.KindNetChanged, Payload: netmon.State{Online: true, Quality: netmon.QualityGood}})
	waitForStatus(t, machine, status.Connecting)

	b.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: map[string]int{"applied": 2}})
	waitForStatus(t, machine, status.Ready)
}

// TestRuntimeStateIgnoresNetWhileLoggedOut keeps a logged-out session
// in AuthRequired across connectivity flaps.
func TestRuntimeStateIgnoresNetWhileLoggedOut(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	if err := machine.Transition(status.AuthRequired); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchRuntimeState(ctx, b, machine)

	b.Publish(bus.Event{Kind: bus.KindNetChanged, Payload: netmon.State{Online: false, Quality: netmon.QualityOffline}})
	time.Sleep(50 * time.Millisecond)
	if machine.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", machine.Current())
	}
}

// TestOfflineSendDeliveredAfterReconnect wires real components against a
// stub gateway: a message sent while offline sits in the queue as
// sending, then flushes to delivered when connectivity returns.
func TestOfflineSendDeliveredAfterReconnect(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "cipher-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(tmpDir, "cipher.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/messages" && r.URL.Query().Get("action") == "sync" {
			var body struct {
				Messages []gateway.PendingMessage `json:"messages"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			results := make([]gateway.SyncResult, len(body.Messages))
			for i, m := range body.Messages {
				results[i] = gateway.SyncResult{
					ServerID:  "srv-" + m.ClientID,
					ClientID:  m.ClientID,
					Status:    "sent",
					CreatedAt: "2026-01-02T10:00:00Z",
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
			return
		}
		_, _ = w.Write([]byte(`{"messages":[],"chats":[]}`))
	}))
	defer srv.Close()

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	gw := gateway.NewClient(srv.URL, logger)
	gw.SetUser("u1")

	var online atomic.Bool
	isOnline := online.Load

	q := outbox.NewQueue(db, gw, b, isOnline, logger)
	rec := intsync.NewReconciler(db, gw, q, b, isOnline, logger)
	rec.SetUser("u1")

	q.Start(context.Background())
	defer q.Stop()

	_ = machine.Transition(status.Offline)

	id, err := rec.Send(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}
	m, err := db.GetMessage(id)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Status != store.StatusSending {
		t.Fatalf("message = %+v, want status sending", m)
	}

	online.Store(true)
	b.Publish(bus.Event{
		Kind:    bus.KindNetChanged,
		Payload: netmon.State{Online: true, Quality: netmon.QualityGood},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err = db.GetMessage(id)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil && m.Status == store.StatusDelivered {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m == nil || m.Status != store.StatusDelivered {
		t.Fatalf("message = %+v after reconnect, want delivered", m)
	}
	if q.Len() != 0 {
		t.Errorf("queue len = %d after flush, want 0", q.Len())
	}
}
