// Package backup bundles the datastore into a verifiable tar.gz archive.
// The snapshot comes from `VACUUM INTO`, so a bundle taken from a live
// datastore is still a consistent database file. Every bundle carries a
// manifest with SHA-256 checksums; verify and restore refuse anything
// that does not match.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/faults"
)

const (
	manifestName = "manifest.json"
	snapshotName = "datastore.db"
)

// ManifestFile is one archived file with its checksum.
type ManifestFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest describes a bundle.
type Manifest struct {
	CreatedAt time.Time      `json:"created_at"`
	Files     []ManifestFile `json:"files"`
}

// Service creates, verifies and restores bundles.
type Service struct {
	core   *core.Core
	logger zerolog.Logger
	// Offsite is optional; when set, Create also uploads the bundle.
	Offsite *S3Uploader
}

func NewService(c *core.Core, logger zerolog.Logger) *Service {
	return &Service{core: c, logger: logger.With().Str("component", "backup").Logger()}
}

// Create snapshots the datastore and writes a bundle to outPath.
func (s *Service) Create(ctx context.Context, outPath string) (*Manifest, error) {
	tmpDir, err := os.MkdirTemp(filepath.Dir(outPath), ".wgfleet-backup-*")
	if err != nil {
		return nil, &faults.IOError{Op: "mkdir", Path: outPath, Err: err}
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, snapshotName)
	quoted := strings.ReplaceAll(snapshot, "'", "''")
	if _, err := s.core.DB().ExecContext(ctx, fmt.Sprintf(`VACUUM INTO '%s'`, quoted)); err != nil {
		return nil, &faults.IOError{Op: "snapshot datastore", Path: snapshot, Err: err}
	}

	data, err := os.ReadFile(snapshot)
	if err != nil {
		return nil, &faults.IOError{Op: "read snapshot", Path: snapshot, Err: err}
	}
	manifest := &Manifest{
		CreatedAt: time.Now().UTC(),
		Files: []ManifestFile{{
			Name:   snapshotName,
			SHA256: checksum(data),
			Size:   int64(len(data)),
		}},
	}

	if err := writeBundle(outPath, manifest, data); err != nil {
		return nil, err
	}
	s.logger.Info().Str("path", outPath).Int64("size", manifest.Files[0].Size).Msg("backup created")

	if err := s.core.RecordBackup(ctx, outPath, manifest.Files[0].SHA256, manifest.Files[0].Size); err != nil {
		return nil, err
	}
	if s.Offsite != nil {
		if err := s.Offsite.Upload(ctx, outPath); err != nil {
			// The local bundle exists and is recorded; offsite is extra.
			s.logger.Error().Err(err).Msg("offsite upload failed")
			return manifest, err
		}
	}
	return manifest, nil
}

func writeBundle(outPath string, m *Manifest, snapshot []byte) error {
	f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &faults.IOError{Op: "create bundle", Path: outPath, Err: err}
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{manifestName, manifestJSON},
		{snapshotName, snapshot},
	} {
		hdr := &tar.Header{
			Name:    entry.name,
			Mode:    0o600,
			Size:    int64(len(entry.data)),
			ModTime: m.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return &faults.IOError{Op: "write bundle", Path: outPath, Err: err}
		}
		if _, err := tw.Write(entry.data); err != nil {
			return &faults.IOError{Op: "write bundle", Path: outPath, Err: err}
		}
	}
	if err := tw.Close(); err != nil {
		return &faults.IOError{Op: "write bundle", Path: outPath, Err: err}
	}
	if err := gz.Close(); err != nil {
		return &faults.IOError{Op: "write bundle", Path: outPath, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &faults.IOError{Op: "fsync bundle", Path: outPath, Err: err}
	}
	return nil
}

// Verify reads a bundle and checks every file against the manifest.
func Verify(path string) (*Manifest, error) {
	manifest, files, err := readBundle(path)
	if err != nil {
		return nil, err
	}
	if err := verifyFiles(manifest, files); err != nil {
		return nil, err
	}
	return manifest, nil
}

func verifyFiles(manifest *Manifest, files map[string][]byte) error {
	for _, mf := range manifest.Files {
		data, ok := files[mf.Name]
		if !ok {
			return &faults.IntegrityError{ExpectedHash: mf.SHA256,
				ActualHash: "missing file " + mf.Name}
		}
		if got := checksum(data); got != mf.SHA256 {
			return &faults.IntegrityError{ExpectedHash: mf.SHA256, ActualHash: got}
		}
		if int64(len(data)) != mf.Size {
			return &faults.IntegrityError{ExpectedHash: fmt.Sprint(mf.Size),
				ActualHash: fmt.Sprint(len(data))}
		}
	}
	return nil
}

// Restore verifies a bundle and writes its datastore snapshot to dest.
// An existing dest is refused unless overwrite is set.
func Restore(path, dest string, overwrite bool) error {
	if _, err := os.Stat(dest); err == nil && !overwrite {
		return &faults.Conflict{Entity: "datastore", Field: "path", Value: dest}
	}
	manifest, files, err := readBundle(path)
	if err != nil {
		return err
	}
	if err := verifyFiles(manifest, files); err != nil {
		return err
	}

	data, ok := files[snapshotName]
	if !ok {
		return &faults.IOError{Op: "restore", Path: path,
			Err: fmt.Errorf("bundle has no %s", snapshotName)}
	}

	tmp := dest + ".restore.tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &faults.IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return &faults.IOError{Op: "rename", Path: dest, Err: err}
	}
	return nil
}

func readBundle(path string) (*Manifest, map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &faults.IOError{Op: "open bundle", Path: path, Err: err}
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, &faults.IOError{Op: "read bundle", Path: path, Err: err}
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, &faults.IOError{Op: "read bundle", Path: path, Err: err}
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, &faults.IOError{Op: "read bundle", Path: path, Err: err}
		}
		files[hdr.Name] = data
	}

	manifestJSON, ok := files[manifestName]
	if !ok {
		return nil, nil, &faults.IOError{Op: "read bundle", Path: path,
			Err: fmt.Errorf("bundle has no %s", manifestName)}
	}
	var m Manifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return nil, nil, &faults.IOError{Op: "parse manifest", Path: path, Err: err}
	}
	return &m, files, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
