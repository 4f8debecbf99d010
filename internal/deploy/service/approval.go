package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ApprovalDecision is the operator's verdict on a pending approval.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// ApprovalGate holds an attempt until an operator decides or the wall-clock
// deadline passes. Await returns model.ErrApprovalTimeout on expiry and
// model.ErrApprovalRejected on rejection.
type ApprovalGate interface {
	Request(ctx context.Context, pa *model.PendingApproval) error
	Await(ctx context.Context, id string) (ApprovalDecision, string, error)
	Approve(ctx context.Context, id, approver string) error
	Reject(ctx context.Context, id, approver string) error
	Get(ctx context.Context, id string) (*model.PendingApproval, error)
}

type approvalRecord struct {
	Pending  model.PendingApproval `json:"pending"`
	Decision ApprovalDecision      `json:"decision,omitempty"`
	Approver string                `json:"approver,omitempty"`
}

// RedisApprovalGate stores pending approvals in Redis with a TTL slightly
// past the expiry deadline, so stale holds clean themselves up even if the
// coordinator dies while waiting.
type RedisApprovalGate struct {
	redis *redis.Client

	// pollInterval is how often Await re-reads the record; overridden
	// in tests.
	pollInterval time.Duration
}

func NewRedisApprovalGate(rdb *redis.Client) *RedisApprovalGate {
	return &RedisApprovalGate{redis: rdb, pollInterval: time.Second}
}

func approvalKey(id string) string { return "approval:" + id }

func (g *RedisApprovalGate) Request(ctx context.Context, pa *model.PendingApproval) error {
	if g.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	rec := approvalRecord{Pending: *pa}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal approval record: %w", err)
	}
	ttl := time.Until(pa.ExpiresAt) + 5*time.Minute
	if err := g.redis.Set(ctx, approvalKey(pa.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store approval record: %w", err)
	}
	log.Info().
		Str("approval", pa.ID).
		Str("project", pa.Project).
		Time("expires_at", pa.ExpiresAt).
		Msg("approval requested")
	return nil
}

func (g *RedisApprovalGate) load(ctx context.Context, id string) (*approvalRecord, error) {
	data, err := g.redis.Get(ctx, approvalKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get approval record: %w", err)
	}
	var rec approvalRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal approval record: %w", err)
	}
	return &rec, nil
}

func (g *RedisApprovalGate) store(ctx context.Context, rec *approvalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(rec.Pending.ExpiresAt) + 5*time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return g.redis.Set(ctx, approvalKey(rec.Pending.ID), data, ttl).Err()
}

func (g *RedisApprovalGate) Await(ctx context.Context, id string) (ApprovalDecision, string, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := g.load(ctx, id)
		if err != nil {
			return "", "", err
		}
		if rec == nil {
			// Key evicted; treat like an expired hold.
			return "", "", model.ErrApprovalTimeout
		}
		switch rec.Decision {
		case DecisionApproved:
			return DecisionApproved, rec.Approver, nil
		case DecisionRejected:
			return DecisionRejected, rec.Approver, model.ErrApprovalRejected
		}
		if time.Now().After(rec.Pending.ExpiresAt) {
			return "", "", model.ErrApprovalTimeout
		}

		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *RedisApprovalGate) decide(ctx context.Context, id, approver string, decision ApprovalDecision) error {
	rec, err := g.load(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("approval %s not found or expired", id)
	}
	if rec.Decision != "" {
		return fmt.Errorf("approval %s already %s", id, rec.Decision)
	}
	if time.Now().After(rec.Pending.ExpiresAt) {
		return model.ErrApprovalTimeout
	}
	rec.Decision = decision
	rec.Approver = approver
	return g.store(ctx, rec)
}

func (g *RedisApprovalGate) Approve(ctx context.Context, id, approver string) error {
	return g.decide(ctx, id, approver, DecisionApproved)
}

func (g *RedisApprovalGate) Reject(ctx context.Context, id, approver string) error {
	return g.decide(ctx, id, approver, DecisionRejected)
}

func (g *RedisApprovalGate) Get(ctx context.Context, id string) (*model.PendingApproval, error) {
	rec, err := g.load(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return &rec.Pending, nil
}

// MemoryApprovalGate is an in-process gate for single-binary setups and
// tests.
type MemoryApprovalGate struct {
	mu      sync.Mutex
	records map[string]*approvalRecord
	waiters map[string]chan struct{}
}

func NewMemoryApprovalGate() *MemoryApprovalGate {
	return &MemoryApprovalGate{
		records: make(map[string]*approvalRecord),
		waiters: make(map[string]chan struct{}),
	}
}

func (g *MemoryApprovalGate) Request(ctx context.Context, pa *model.PendingApproval) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[pa.ID] = &approvalRecord{Pending: *pa}
	g.waiters[pa.ID] = make(chan struct{})
	return nil
}

func (g *MemoryApprovalGate) Await(ctx context.Context, id string) (ApprovalDecision, string, error) {
	g.mu.Lock()
	rec, ok := g.records[id]
	ch := g.waiters[id]
	g.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("approval %s not found", id)
	}

	timer := time.NewTimer(time.Until(rec.Pending.ExpiresAt))
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
		return "", "", model.ErrApprovalTimeout
	case <-ctx.Done():
		return "", "", ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	rec = g.records[id]
	if rec.Decision == DecisionRejected {
		return DecisionRejected, rec.Approver, model.ErrApprovalRejected
	}
	return DecisionApproved, rec.Approver, nil
}

func (g *MemoryApprovalGate) decide(id, approver string, decision ApprovalDecision) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[id]
	if !ok {
		return fmt.Errorf("approval %s not found", id)
	}
	if rec.Decision != "" {
		return fmt.Errorf("approval %s already %s", id, rec.Decision)
	}
	if time.Now().After(rec.Pending.ExpiresAt) {
		return model.ErrApprovalTimeout
	}
	rec.Decision = decision
	rec.Approver = approver
	close(g.waiters[id])
	return nil
}

func (g *MemoryApprovalGate) Approve(ctx context.Context, id, approver string) error {
	return g.decide(id, approver, DecisionApproved)
}

func (g *MemoryApprovalGate) Reject(ctx context.Context, id, approver string) error {
	return g.decide(id, approver, DecisionRejected)
}

func (g *MemoryApprovalGate) Get(ctx context.Context, id string) (*model.PendingApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[id]; ok {
		pa := rec.Pending
		return &pa, nil
	}
	return nil, nil
}
