package approval

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager() (*Manager, *fakeClock) {
	clk := newFakeClock()
	m := NewManager(store.NewMemoryStore(), WithClock(clk.Now))
	return m, clk
}

func TestApprovedOnlyWhenAllRequiredApprove(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	req, err := m.CreateRequest(ctx, "wf-1", "deploy prod", []string{"alice", "bob"}, 0)
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Approve(ctx, req.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status after one of two approvals = %s, want PENDING", got.Status)
	}

	got, err = m.Approve(ctx, req.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("status after full quorum = %s, want APPROVED", got.Status)
	}
}

// One approval and one rejection: the rejection wins regardless of order.
func TestSingleRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	req, _ := m.CreateRequest(ctx, "wf-1", "drop table", []string{"alice", "bob"}, 0)

	if _, err := m.Approve(ctx, req.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	got, err := m.Reject(ctx, req.ID, "bob", "too risky")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRejected {
		t.Fatalf("status = %s, want REJECTED", got.Status)
	}

	// A late approval cannot revive it.
	got, err = m.Approve(ctx, req.ID, "alice")
	if !errors.Is(err, ErrRequestResolved) {
		t.Fatalf("err = %v, want ErrRequestResolved", err)
	}
	if got.Status != StatusRejected {
		t.Fatalf("late approval changed status to %s", got.Status)
	}
}

func TestNonRequiredVoterRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	req, _ := m.CreateRequest(ctx, "wf-1", "x", []string{"alice"}, 0)
	_, err := m.Approve(ctx, req.ID, "mallory")
	if !errors.Is(err, ErrNotRequired) {
		t.Fatalf("err = %v, want ErrNotRequired", err)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager()

	req, _ := m.CreateRequest(ctx, "wf-1", "x", []string{"alice"}, time.Hour)
	clk.Advance(2 * time.Hour)

	got, err := m.Approve(ctx, req.ID, "alice")
	if !errors.Is(err, ErrRequestResolved) {
		t.Fatalf("err = %v, want ErrRequestResolved", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}

	rec, err := m.ReceiptOf(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusExpired {
		t.Fatalf("receipt status = %s, want EXPIRED", rec.Status)
	}
}

func TestGetRequestResolvesExpiryLazily(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager()

	req, _ := m.CreateRequest(ctx, "wf-1", "x", []string{"alice"}, time.Minute)
	clk.Advance(5 * time.Minute)

	got, err := m.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}
}

func TestReceiptHasContentHash(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	req, _ := m.CreateRequest(ctx, "wf-1", "x", []string{"alice"}, 0)
	if _, err := m.Approve(ctx, req.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	rec, err := m.ReceiptOf(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(rec.ContentHash, "sha256:") {
		t.Fatalf("content hash = %q", rec.ContentHash)
	}
	if len(rec.ApprovedBy) != 1 || rec.ApprovedBy[0] != "alice" {
		t.Fatalf("approved_by = %v", rec.ApprovedBy)
	}
}

func TestReceiptOfPendingRequest(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	req, _ := m.CreateRequest(ctx, "wf-1", "x", []string{"alice"}, 0)
	_, err := m.ReceiptOf(ctx, req.ID)
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
}

func TestSignalsDeliveredInSendOrder(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	for _, name := range []string{"first", "second", "third"} {
		if _, err := m.SendSignal(ctx, "wf-9", name, json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	sigs, err := m.Signals(ctx, "wf-9")
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 3 {
		t.Fatalf("got %d signals, want 3", len(sigs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if sigs[i].Name != want {
			t.Fatalf("signal %d = %s, want %s", i, sigs[i].Name, want)
		}
		if sigs[i].Seq != int64(i+1) {
			t.Fatalf("signal %d seq = %d", i, sigs[i].Seq)
		}
	}
}

func TestSignalLogsIsolatedPerWorkflow(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	if _, err := m.SendSignal(ctx, "wf-a", "ping", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SendSignal(ctx, "wf-b", "pong", nil); err != nil {
		t.Fatal(err)
	}

	sigs, _ := m.Signals(ctx, "wf-a")
	if len(sigs) != 1 || sigs[0].Name != "ping" {
		t.Fatalf("wf-a signals = %+v", sigs)
	}
}

func TestOutcomeHardStopsOnRejection(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	req, _ := m.CreateRequest(ctx, "wf-1", "x", []string{"alice"}, 0)
	status, err := m.Outcome(ctx, req.ID)
	if err != nil || status != StatusPending {
		t.Fatalf("pending outcome = %s, %v", status, err)
	}

	if _, err := m.Reject(ctx, req.ID, "alice", "nope"); err != nil {
		t.Fatal(err)
	}
	status, err = m.Outcome(ctx, req.ID)
	if !errors.Is(err, ErrApprovalRejected) {
		t.Fatalf("err = %v, want ErrApprovalRejected", err)
	}
	if status != StatusRejected {
		t.Fatalf("status = %s", status)
	}
}

func TestUnknownRequest(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Approve(context.Background(), "nope", "alice")
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
}
