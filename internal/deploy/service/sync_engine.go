package service

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/rs/zerolog/log"
)

// StageResult reports one node staging operation.
type StageResult struct {
	NodeID   string `json:"nodeId"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	Bytes    int64  `json:"bytes"`
	// Skipped is true when the node already held this content and no
	// transfer happened.
	Skipped bool `json:"skipped"`
}

// SyncEngine copies release content into a node's inactive slot. Staging is
// idempotent: a node that already holds the same version and checksum is
// left untouched.
type SyncEngine struct {
	client  NodeClient
	secrets SecretSource
}

func NewSyncEngine(client NodeClient, secrets SecretSource) *SyncEngine {
	return &SyncEngine{client: client, secrets: secrets}
}

// Stage builds the release archive (ignore patterns applied, secrets env
// file added) and ships it to the node's inactive slot. Decrypted secret
// values exist only inside the archive buffer and the staged tree.
func (e *SyncEngine) Stage(ctx context.Context, project *model.Project, node model.Node, release *model.Release) (*StageResult, error) {
	envFile, err := e.renderEnvFile(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("render secrets env: %w", err)
	}

	archive, checksum, err := buildArchive(release.Location, project.IgnorePatterns, envFile)
	if err != nil {
		return nil, fmt.Errorf("build release archive: %w", err)
	}

	status, err := e.client.Status(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("node status: %w", err)
	}
	inactive := status.Active.Other()
	if status.Versions[inactive] == release.Version && status.Checksums[inactive] == checksum {
		log.Debug().
			Str("node", node.ID).
			Str("version", release.Version).
			Msg("stage skipped, content already present")
		return &StageResult{NodeID: node.ID, Version: release.Version, Checksum: checksum, Skipped: true}, nil
	}

	size := int64(archive.Len())
	if err := e.client.Stage(ctx, node, release.Version, checksum, archive); err != nil {
		return nil, fmt.Errorf("stage to node: %w", err)
	}

	log.Info().
		Str("node", node.ID).
		Str("version", release.Version).
		Int64("bytes", size).
		Msg("release staged")
	return &StageResult{NodeID: node.ID, Version: release.Version, Checksum: checksum, Bytes: size}, nil
}

func (e *SyncEngine) renderEnvFile(ctx context.Context, project *model.Project) ([]byte, error) {
	if len(project.SecretKeys) == 0 {
		return nil, nil
	}
	keys := append([]string(nil), project.SecretKeys...)
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		value, err := e.secrets.Reveal(ctx, project.ID, key)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "%s=%s\n", key, value)
	}
	return buf.Bytes(), nil
}

// buildArchive produces a deterministic tar.gz of the release tree: sorted
// walk order, zeroed timestamps, so identical content always hashes the
// same and re-staging can be detected by checksum alone.
func buildArchive(root string, ignore []string, envFile []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(&buf, hash))
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if ignored(rel, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return tw.WriteHeader(&tar.Header{
				Name:     rel + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
			})
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:     rel,
			Typeflag: tar.TypeReg,
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
		}); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	if envFile != nil {
		if err := tw.WriteHeader(&tar.Header{
			Name:     ".env",
			Typeflag: tar.TypeReg,
			Mode:     0o600,
			Size:     int64(len(envFile)),
		}); err != nil {
			return nil, "", err
		}
		if _, err := tw.Write(envFile); err != nil {
			return nil, "", err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}
	return &buf, hex.EncodeToString(hash.Sum(nil)), nil
}

// ignored applies .deployignore-style glob patterns to a relative path.
// A trailing /** matches the whole subtree.
func ignored(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)
	for _, p := range patterns {
		p = filepath.ToSlash(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(p, "/**"); ok {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
			continue
		}
		if m, _ := filepath.Match(p, rel); m {
			return true
		}
		if m, _ := filepath.Match(p, base); m {
			return true
		}
	}
	return false
}
