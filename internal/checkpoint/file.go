package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// FileBackend stores the checkpoint as one JSON document, replaced atomically
// by write-to-temp, fsync, rename.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

func (f *FileBackend) Load(_ context.Context) (Checkpoint, bool, error) {
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, errors.Wrapf(err, "read %s", f.Path)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, false, errors.WithHint(
			errors.Wrapf(err, "decode %s", f.Path),
			"the checkpoint file is not valid JSON; move it aside to start a fresh run",
		)
	}
	if cp.Version > FormatVersion {
		return Checkpoint{}, false, errors.Newf("%s: unsupported checkpoint version %d", f.Path, cp.Version)
	}
	return cp, true, nil
}

func (f *FileBackend) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create checkpoint dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp checkpoint")
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return errors.Wrapf(err, "replace %s", f.Path)
	}
	committed = true
	return nil
}

func (f *FileBackend) Close() error {
	return nil
}
