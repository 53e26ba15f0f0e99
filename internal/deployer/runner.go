package deployer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/edvin/wgfleet/internal/faults"
)

// Runner abstracts the target filesystem and shell, so the deployment
// sequence is identical for local and SSH targets.
type Runner interface {
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	// Put writes data atomically with mode 0600: temp file in the same
	// directory, fsync, rename.
	Put(ctx context.Context, path string, data []byte) error
	Exec(ctx context.Context, cmd string) (string, error)
	Close() error
}

// localRunner operates on the local machine.
type localRunner struct{}

func (localRunner) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &faults.IOError{Op: "stat", Path: path, Err: err}
}

func (localRunner) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &faults.IOError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

func (localRunner) Put(_ context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return &faults.IOError{Op: "create temp", Path: dir, Err: err}
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return &faults.IOError{Op: "chmod", Path: tmp.Name(), Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &faults.IOError{Op: "write", Path: tmp.Name(), Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &faults.IOError{Op: "fsync", Path: tmp.Name(), Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &faults.IOError{Op: "close", Path: tmp.Name(), Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &faults.IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (localRunner) Exec(ctx context.Context, cmd string) (string, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w (%s)", cmd, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (localRunner) Close() error { return nil }
