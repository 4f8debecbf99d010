package service

import (
	"context"
	"io"

	"github.com/eeveon/eeveon/internal/deploy/model"
)

// NodeStatus is a node's view of its own slots, reported by its agent or
// read from the local filesystem.
type NodeStatus struct {
	Active model.SlotColor `json:"active"`
	// Versions maps slot color to the release version staged in it.
	Versions map[model.SlotColor]string `json:"versions"`
	// Checksums maps slot color to the content checksum staged in it.
	Checksums map[model.SlotColor]string `json:"checksums"`
}

// LiveVersion returns the version currently served.
func (s *NodeStatus) LiveVersion() string {
	return s.Versions[s.Active]
}

// NodeClient is the transport to a single node. The pointer flip exposed by
// Switch must be atomic on the node: a concurrent reader sees either the old
// or the new target, never a half-updated one.
type NodeClient interface {
	// Status reports the node's slot state.
	Status(ctx context.Context, node model.Node) (*NodeStatus, error)
	// Stage writes the archive into the node's inactive slot and records
	// version and checksum for it. The active slot is not touched.
	Stage(ctx context.Context, node model.Node, version, checksum string, archive io.Reader) error
	// Switch atomically points the live pointer at the given slot.
	Switch(ctx context.Context, node model.Node, target model.SlotColor) error
	// Exec runs a health-check script on the node and returns its exit
	// code and combined output.
	Exec(ctx context.Context, node model.Node, script string) (int, string, error)
}
