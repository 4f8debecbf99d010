package service

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/eeveon/eeveon/internal/deploy/model"
)

// LocalNodeClient serves nodes whose address is a file:// path on this
// host. The live pointer is the `current` symlink inside the node root.
type LocalNodeClient struct{}

func NewLocalNodeClient() *LocalNodeClient { return &LocalNodeClient{} }

func localRoot(node model.Node) (string, error) {
	if !strings.HasPrefix(node.Address, "file://") {
		return "", fmt.Errorf("node %s: address %q is not a file:// path", node.ID, node.Address)
	}
	return strings.TrimPrefix(node.Address, "file://"), nil
}

type releaseMarker struct {
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

func readMarker(slotDir string) (releaseMarker, error) {
	var m releaseMarker
	data, err := os.ReadFile(filepath.Join(slotDir, releaseFile))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

func (c *LocalNodeClient) Status(ctx context.Context, node model.Node) (*NodeStatus, error) {
	root, err := localRoot(node)
	if err != nil {
		return nil, err
	}
	active, err := readActiveColor(root)
	if err != nil {
		return nil, err
	}

	st := &NodeStatus{
		Active:    active,
		Versions:  map[model.SlotColor]string{},
		Checksums: map[model.SlotColor]string{},
	}
	for _, color := range []model.SlotColor{model.SlotBlue, model.SlotGreen} {
		m, err := readMarker(filepath.Join(root, string(color)))
		if err != nil {
			return nil, fmt.Errorf("read %s slot marker: %w", color, err)
		}
		if m.Version != "" {
			st.Versions[color] = m.Version
			st.Checksums[color] = m.Checksum
		}
	}
	return st, nil
}

func (c *LocalNodeClient) Stage(ctx context.Context, node model.Node, version, checksum string, archive io.Reader) error {
	root, err := localRoot(node)
	if err != nil {
		return err
	}
	active, err := readActiveColor(root)
	if err != nil {
		return err
	}
	slotDir := filepath.Join(root, string(active.Other()))

	// The inactive slot is fully replaced by the staged tree.
	if err := os.RemoveAll(slotDir); err != nil {
		return fmt.Errorf("clear inactive slot: %w", err)
	}
	if err := os.MkdirAll(slotDir, 0o755); err != nil {
		return fmt.Errorf("recreate inactive slot: %w", err)
	}
	if err := extractArchive(archive, slotDir); err != nil {
		return fmt.Errorf("extract release: %w", err)
	}

	marker, err := json.Marshal(releaseMarker{Version: version, Checksum: checksum})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(slotDir, releaseFile), marker, 0o644); err != nil {
		return fmt.Errorf("write release marker: %w", err)
	}
	return nil
}

func (c *LocalNodeClient) Switch(ctx context.Context, node model.Node, target model.SlotColor) error {
	root, err := localRoot(node)
	if err != nil {
		return err
	}
	return atomicSymlinkSwap(filepath.Join(root, currentLink), string(target))
}

func (c *LocalNodeClient) Exec(ctx context.Context, node model.Node, script string) (int, string, error) {
	root, err := localRoot(node)
	if err != nil {
		return -1, "", err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), err
	}
	return 0, string(out), nil
}

// InitSlots prepares a fresh node root with empty slots and the live
// pointer on blue. Used when enrolling a local node.
func InitSlots(root string) error {
	for _, color := range []model.SlotColor{model.SlotBlue, model.SlotGreen} {
		if err := os.MkdirAll(filepath.Join(root, string(color)), 0o755); err != nil {
			return err
		}
	}
	link := filepath.Join(root, currentLink)
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	return os.Symlink(string(model.SlotBlue), link)
}

func extractArchive(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") {
			return fmt.Errorf("archive entry escapes slot: %s", hdr.Name)
		}
		path := filepath.Join(dest, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
