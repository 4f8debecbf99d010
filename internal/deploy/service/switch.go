package service

import (
	"context"
	"fmt"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/rs/zerolog/log"
)

// SwitchResult records one pointer flip, including the prior value needed
// for an O(1) revert.
type SwitchResult struct {
	NodeID       string          `json:"nodeId"`
	From         model.SlotColor `json:"from"`
	To           model.SlotColor `json:"to"`
	PriorVersion string          `json:"priorVersion,omitempty"`
	NewVersion   string          `json:"newVersion,omitempty"`
}

// ActivationSwitch performs the atomic live-pointer flip on a single node
// and its inverse. It is the only mutation of which slot is live.
type ActivationSwitch struct {
	client NodeClient
}

func NewActivationSwitch(client NodeClient) *ActivationSwitch {
	return &ActivationSwitch{client: client}
}

// Activate flips the node's live pointer to the slot holding the staged
// release. The prior pointer value is captured first so Revert can restore
// it without re-deploying anything.
func (s *ActivationSwitch) Activate(ctx context.Context, node model.Node, release *model.Release) (*SwitchResult, error) {
	status, err := s.client.Status(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("read slot state: %w", err)
	}

	target := status.Active.Other()
	if got := status.Versions[target]; got != release.Version {
		return nil, fmt.Errorf("inactive slot holds %q, expected staged %q", got, release.Version)
	}

	if err := s.client.Switch(ctx, node, target); err != nil {
		return nil, fmt.Errorf("flip live pointer: %w", err)
	}

	result := &SwitchResult{
		NodeID:       node.ID,
		From:         status.Active,
		To:           target,
		PriorVersion: status.Versions[status.Active],
		NewVersion:   release.Version,
	}
	log.Info().
		Str("node", node.ID).
		Str("from", string(result.From)).
		Str("to", string(result.To)).
		Str("version", release.Version).
		Msg("node activated")
	return result, nil
}

// Revert restores the pointer value captured by a previous Activate.
func (s *ActivationSwitch) Revert(ctx context.Context, node model.Node, prior model.SlotColor) (*SwitchResult, error) {
	status, err := s.client.Status(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("read slot state: %w", err)
	}
	if status.Active == prior {
		return &SwitchResult{NodeID: node.ID, From: prior, To: prior}, nil
	}

	if err := s.client.Switch(ctx, node, prior); err != nil {
		return nil, fmt.Errorf("restore live pointer: %w", err)
	}

	result := &SwitchResult{
		NodeID:       node.ID,
		From:         status.Active,
		To:           prior,
		PriorVersion: status.Versions[status.Active],
		NewVersion:   status.Versions[prior],
	}
	log.Warn().
		Str("node", node.ID).
		Str("restored", string(prior)).
		Msg("node reverted")
	return result, nil
}

// SwitchTo points the node's live pointer at an explicit slot. Used by the
// rollback manager when restoring a recorded fleet state.
func (s *ActivationSwitch) SwitchTo(ctx context.Context, node model.Node, target model.SlotColor, wantVersion string) (*SwitchResult, error) {
	status, err := s.client.Status(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("read slot state: %w", err)
	}
	if wantVersion != "" {
		if got := status.Versions[target]; got != wantVersion {
			return nil, fmt.Errorf("slot %s holds %q, rollback entry expects %q", target, got, wantVersion)
		}
	}
	if status.Active == target {
		return &SwitchResult{NodeID: node.ID, From: target, To: target, NewVersion: wantVersion}, nil
	}
	if err := s.client.Switch(ctx, node, target); err != nil {
		return nil, fmt.Errorf("flip live pointer: %w", err)
	}
	return &SwitchResult{
		NodeID:       node.ID,
		From:         status.Active,
		To:           target,
		PriorVersion: status.Versions[status.Active],
		NewVersion:   wantVersion,
	}, nil
}
