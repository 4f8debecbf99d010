package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/eeveon/eeveon/internal/deploy/model"
)

// slot directory layout under a node root:
//
//	<root>/blue/           slot content
//	<root>/green/          slot content
//	<root>/current         symlink -> blue|green, the live pointer
//	<root>/<color>/.release  version + checksum marker
const (
	currentLink = "current"
	releaseFile = ".release"
)

// atomicSymlinkSwap repoints link at target in a single rename. A symlink
// is created under a temporary name first because symlink creation itself
// is not an overwrite; rename is.
func atomicSymlinkSwap(link, target string) error {
	tmp := link + ".swap"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale swap link: %w", err)
	}
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create swap link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap live pointer: %w", err)
	}
	return nil
}

// readActiveColor resolves which slot the live pointer targets. Exactly one
// of blue/green is live; anything else is reported as corruption.
func readActiveColor(root string) (model.SlotColor, error) {
	target, err := os.Readlink(filepath.Join(root, currentLink))
	if err != nil {
		return "", fmt.Errorf("read live pointer: %w", err)
	}
	switch filepath.Base(target) {
	case string(model.SlotBlue):
		return model.SlotBlue, nil
	case string(model.SlotGreen):
		return model.SlotGreen, nil
	}
	return "", fmt.Errorf("live pointer targets %q, expected a slot", target)
}
