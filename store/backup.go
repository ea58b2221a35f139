package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/torlnapp/mls"
)

// Lister is a store that can enumerate its groups.
type Lister interface {
	mls.GroupStore
	GroupIDs(ctx context.Context) ([][]byte, error)
}

type backupFile struct {
	Values map[string]string `json:"values"`
}

// Backup exports every group in src as JSON, with ids and states base64
// encoded.  The output holds group secrets.
func Backup(ctx context.Context, src Lister) ([]byte, error) {
	ids, err := src.GroupIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	out := backupFile{Values: make(map[string]string, len(ids))}
	for _, id := range ids {
		state, err := src.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load group %x: %w", id, err)
		}
		out.Values[base64.StdEncoding.EncodeToString(id)] = base64.StdEncoding.EncodeToString(state)
	}

	return json.Marshal(out)
}

// Restore writes every group in a backup into dst and returns how many were
// restored.  Nothing is written if any entry fails to decode.
func Restore(ctx context.Context, data []byte, dst mls.GroupStore) (int, error) {
	var in backupFile
	if err := json.Unmarshal(data, &in); err != nil {
		return 0, fmt.Errorf("decode backup: %w", err)
	}

	type entry struct{ id, state []byte }
	entries := make([]entry, 0, len(in.Values))
	for k, v := range in.Values {
		id, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return 0, fmt.Errorf("decode group id: %w", err)
		}
		state, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return 0, fmt.Errorf("decode state for %x: %w", id, err)
		}
		entries = append(entries, entry{id, state})
	}

	for i, e := range entries {
		if err := dst.Save(ctx, e.id, e.state); err != nil {
			return i, fmt.Errorf("save group %x: %w", e.id, err)
		}
	}
	return len(entries), nil
}
