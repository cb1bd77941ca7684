// Package approval implements human-in-the-loop gates for workflows.
//
// A workflow that needs human judgment creates an ApprovalRequest naming
// the required approvers and parks until every one of them approves, any
// one rejects, or the request expires. Each resolution produces an
// immutable receipt carrying a content hash.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/pkg/canonicalize"
	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const (
	requestKeyPrefix = "approval/"
	signalKeyPrefix  = "signal/"  // signal/<workflow>/<seq padded>
	receiptKeyPrefix = "receipt/" // receipt/<request id>
)

var (
	// ErrRequestNotFound is returned for an unknown request id.
	ErrRequestNotFound = errors.New("approval: request not found")

	// ErrRequestResolved is returned when voting on a request that has
	// already reached a terminal status.
	ErrRequestResolved = errors.New("approval: request already resolved")

	// ErrNotRequired is returned when a voter is not on the request's
	// required approver list.
	ErrNotRequired = errors.New("approval: approver not required")

	// ErrApprovalRejected marks a terminal rejection or expiry. Callers
	// must treat it as a hard stop for the gated workflow, never as a
	// retryable condition.
	ErrApprovalRejected = errors.New("approval: rejected")
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusPending }

// Request is a pending or resolved human approval gate.
type Request struct {
	ID                string            `json:"id"`
	WorkflowID        string            `json:"workflow_id"`
	Subject           string            `json:"subject"`
	RequiredApprovers []string          `json:"required_approvers"`
	Approvals         map[string]string `json:"approvals,omitempty"`  // approver → RFC3339 vote time
	Rejections        map[string]string `json:"rejections,omitempty"` // approver → reason
	Status            Status            `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at,omitempty"`
}

// Receipt is the immutable record of a resolved request.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	RequestID   string    `json:"request_id"`
	WorkflowID  string    `json:"workflow_id"`
	Status      Status    `json:"status"`
	ApprovedBy  []string  `json:"approved_by,omitempty"`
	RejectedBy  string    `json:"rejected_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
	ContentHash string    `json:"content_hash"`
}

// Signal is an external event delivered to a parked workflow.
type Signal struct {
	WorkflowID string          `json:"workflow_id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Seq        int64           `json:"seq"`
	SentAt     time.Time       `json:"sent_at"`
}

// Manager owns approval requests and workflow signals.
type Manager struct {
	store  store.Store
	clock  func() time.Time
	logger *slog.Logger
}

// NewManager creates an approval manager over the durable store.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		clock:  time.Now,
		logger: slog.Default().With("component", "approval"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// CreateRequest opens a new PENDING approval gate. A zero timeout means
// the request never expires.
func (m *Manager) CreateRequest(ctx context.Context, workflowID, subject string, requiredApprovers []string, timeout time.Duration) (*Request, error) {
	if len(requiredApprovers) == 0 {
		return nil, errors.New("approval: at least one required approver")
	}

	req := &Request{
		ID:                uuid.New().String(),
		WorkflowID:        workflowID,
		Subject:           subject,
		RequiredApprovers: append([]string(nil), requiredApprovers...),
		Approvals:         map[string]string{},
		Rejections:        map[string]string{},
		Status:            StatusPending,
		CreatedAt:         m.clock(),
	}
	if timeout > 0 {
		req.ExpiresAt = req.CreatedAt.Add(timeout)
	}

	if _, err := store.PutJSON(ctx, m.store, requestKeyPrefix+req.ID, req, 0); err != nil {
		return nil, fmt.Errorf("approval: create: %w", err)
	}
	return req, nil
}

// Approve records one approver's yes vote. The request transitions to
// APPROVED only once every required approver has approved; rejected or
// expired requests never change back.
func (m *Manager) Approve(ctx context.Context, requestID, approverID string) (*Request, error) {
	return m.vote(ctx, requestID, approverID, "", true)
}

// Reject records a rejection. A single rejection resolves the request;
// later approvals cannot revive it.
func (m *Manager) Reject(ctx context.Context, requestID, approverID, reason string) (*Request, error) {
	return m.vote(ctx, requestID, approverID, reason, false)
}

func (m *Manager) vote(ctx context.Context, requestID, voterID, reason string, approve bool) (*Request, error) {
	for {
		req, rev, err := m.load(ctx, requestID)
		if err != nil {
			return nil, err
		}
		now := m.clock()

		if req.Status == StatusPending && !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
			if err := m.resolve(ctx, req, rev, now, "", "timed out"); err != nil {
				if errors.Is(err, store.ErrRevisionMismatch) {
					continue
				}
				return nil, err
			}
			return req, ErrRequestResolved
		}
		if req.Status.Terminal() {
			return req, ErrRequestResolved
		}
		if !contains(req.RequiredApprovers, voterID) {
			return nil, fmt.Errorf("%w: %s", ErrNotRequired, voterID)
		}

		if approve {
			req.Approvals[voterID] = now.UTC().Format(time.RFC3339Nano)
			if m.allApproved(req) {
				req.Status = StatusApproved
			}
		} else {
			req.Rejections[voterID] = reason
			req.Status = StatusRejected
		}

		if req.Status.Terminal() {
			if err := m.resolve(ctx, req, rev, now, voterID, reason); err != nil {
				if errors.Is(err, store.ErrRevisionMismatch) {
					continue
				}
				return nil, err
			}
			return req, nil
		}

		_, err = store.PutJSON(ctx, m.store, requestKeyPrefix+req.ID, req, rev)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, store.ErrRevisionMismatch) {
			return nil, err
		}
	}
}

// resolve persists the terminal request and writes its receipt.
func (m *Manager) resolve(ctx context.Context, req *Request, rev int64, now time.Time, rejectedBy, reason string) error {
	if _, err := store.PutJSON(ctx, m.store, requestKeyPrefix+req.ID, req, rev); err != nil {
		return err
	}

	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		RequestID:  req.ID,
		WorkflowID: req.WorkflowID,
		Status:     req.Status,
		ResolvedAt: now,
	}
	switch req.Status {
	case StatusApproved:
		receipt.ApprovedBy = sortedKeys(req.Approvals)
	case StatusRejected:
		receipt.RejectedBy = rejectedBy
		receipt.Reason = reason
	case StatusExpired:
		receipt.Reason = reason
	}
	hash, err := canonicalize.CanonicalHash(struct {
		RequestID  string   `json:"request_id"`
		Status     Status   `json:"status"`
		ApprovedBy []string `json:"approved_by,omitempty"`
		RejectedBy string   `json:"rejected_by,omitempty"`
		ResolvedAt string   `json:"resolved_at"`
	}{req.ID, req.Status, receipt.ApprovedBy, receipt.RejectedBy, now.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("approval: receipt hash: %w", err)
	}
	receipt.ContentHash = hash

	if _, err := store.PutJSON(ctx, m.store, receiptKeyPrefix+req.ID, receipt, 0); err != nil {
		return fmt.Errorf("approval: persist receipt: %w", err)
	}
	m.logger.Info("approval request resolved",
		"request_id", req.ID, "workflow_id", req.WorkflowID, "status", req.Status)
	return nil
}

// GetRequest returns the request, resolving expiry lazily.
func (m *Manager) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	req, rev, err := m.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	if req.Status == StatusPending && !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt) {
		req.Status = StatusExpired
		if err := m.resolve(ctx, req, rev, now, "", "timed out"); err != nil && !errors.Is(err, store.ErrRevisionMismatch) {
			return nil, err
		}
	}
	return req, nil
}

// Outcome reports a gated workflow's fate. APPROVED and PENDING return
// the status with a nil error; REJECTED and EXPIRED additionally return
// ErrApprovalRejected so the caller stops the workflow.
func (m *Manager) Outcome(ctx context.Context, requestID string) (Status, error) {
	req, err := m.GetRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	if req.Status == StatusRejected || req.Status == StatusExpired {
		return req.Status, fmt.Errorf("%w: request %s", ErrApprovalRejected, requestID)
	}
	return req.Status, nil
}

// ReceiptOf returns the resolution receipt, or ErrRequestNotFound when
// the request is still pending or unknown.
func (m *Manager) ReceiptOf(ctx context.Context, requestID string) (*Receipt, error) {
	var r Receipt
	_, err := store.GetJSON(ctx, m.store, receiptKeyPrefix+requestID, &r)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SendSignal appends an external event to the workflow's durable signal
// log. Delivery order within a workflow follows send order.
func (m *Manager) SendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) (*Signal, error) {
	for {
		seq, err := m.nextSignalSeq(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		sig := &Signal{
			WorkflowID: workflowID,
			Name:       name,
			Payload:    payload,
			Seq:        seq,
			SentAt:     m.clock(),
		}
		key := fmt.Sprintf("%s%s/%012d", signalKeyPrefix, workflowID, seq)
		if _, err := store.PutJSON(ctx, m.store, key, sig, 0); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				continue
			}
			return nil, err
		}
		return sig, nil
	}
}

// Signals returns the workflow's signal log in send order.
func (m *Manager) Signals(ctx context.Context, workflowID string) ([]*Signal, error) {
	recs, err := m.store.Scan(ctx, signalKeyPrefix+workflowID+"/")
	if err != nil {
		return nil, err
	}
	out := make([]*Signal, 0, len(recs))
	for _, rec := range recs {
		var sig Signal
		if err := json.Unmarshal(rec.Value, &sig); err != nil {
			return nil, fmt.Errorf("approval: decode signal %s: %w", rec.Key, err)
		}
		out = append(out, &sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// nextSignalSeq bumps the per-workflow signal counter.
func (m *Manager) nextSignalSeq(ctx context.Context, workflowID string) (int64, error) {
	key := "signalseq/" + workflowID
	for {
		rec, err := m.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			if _, putErr := m.store.Put(ctx, key, []byte("1"), 0); putErr != nil {
				if errors.Is(putErr, store.ErrRevisionMismatch) {
					continue
				}
				return 0, putErr
			}
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
		var cur int64
		if err := json.Unmarshal(rec.Value, &cur); err != nil {
			return 0, fmt.Errorf("approval: signal counter: %w", err)
		}
		next := cur + 1
		if _, err := m.store.Put(ctx, key, []byte(fmt.Sprintf("%d", next)), rec.Rev); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				continue
			}
			return 0, err
		}
		return next, nil
	}
}

func (m *Manager) load(ctx context.Context, requestID string) (*Request, int64, error) {
	var req Request
	rev, err := store.GetJSON(ctx, m.store, requestKeyPrefix+requestID, &req)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, ErrRequestNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	if req.Approvals == nil {
		req.Approvals = map[string]string{}
	}
	if req.Rejections == nil {
		req.Rejections = map[string]string{}
	}
	return &req, rev, nil
}

func (m *Manager) allApproved(req *Request) bool {
	for _, a := range req.RequiredApprovers {
		if _, ok := req.Approvals[a]; !ok {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
