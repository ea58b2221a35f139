package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/torlnapp/mls"
)

const fileSuffix = ".mls"

// FileStore keeps each group in its own file under a directory, named by
// the hex group id.  Saves replace the file atomically.
type FileStore struct {
	dir string
}

func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(groupID []byte) string {
	return filepath.Join(f.dir, hex.EncodeToString(groupID)+fileSuffix)
}

func (f *FileStore) Load(ctx context.Context, groupID []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path(groupID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file: %w: %x", mls.ErrGroupNotFound, groupID)
	}
	return data, err
}

func (f *FileStore) Save(ctx context.Context, groupID []byte, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(state); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), f.path(groupID))
}

func (f *FileStore) Delete(ctx context.Context, groupID []byte) error {
	err := os.Remove(f.path(groupID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileStore) GroupIDs(ctx context.Context) ([][]byte, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	var ids [][]byte
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		id, err := hex.DecodeString(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return string(ids[i]) < string(ids[j]) })
	return ids, nil
}
