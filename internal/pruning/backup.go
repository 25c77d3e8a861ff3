package pruning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/store"
)

// BackupMeta describes one snapshot.
type BackupMeta struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
	RecordCount int       `json:"record_count"`
	SHA256      string    `json:"sha256"`
}

// BackupStore snapshots a record set before destructive changes.
type BackupStore interface {
	Backup(ctx context.Context, owner string, set record.Set) (BackupMeta, error)
}

// FileBackupStore writes <root>/<owner>/<id>.json, in the record document
// format, plus <id>.meta.json.
type FileBackupStore struct {
	root string
	now  func() time.Time
}

// NewFileBackupStore creates the backup root with 0700 permissions.
func NewFileBackupStore(root string) (*FileBackupStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving backup root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("creating backup root %s: %w", abs, err)
	}
	return &FileBackupStore{root: abs, now: time.Now}, nil
}

// SetClock overrides the clock used for snapshot timestamps.
func (b *FileBackupStore) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Backup implements BackupStore. The snapshot is written before its metadata,
// so a metadata document always describes a complete snapshot.
func (b *FileBackupStore) Backup(ctx context.Context, owner string, set record.Set) (BackupMeta, error) {
	if err := ctx.Err(); err != nil {
		return BackupMeta{}, err
	}
	if err := record.ValidateOwner(owner); err != nil {
		return BackupMeta{}, err
	}

	now := b.now().UTC()
	data, err := store.Encode(owner, set, now)
	if err != nil {
		return BackupMeta{}, err
	}
	sum := sha256.Sum256(data)
	meta := BackupMeta{
		ID:          uuid.New().String(),
		Owner:       owner,
		CreatedAt:   now,
		RecordCount: len(set),
		SHA256:      hex.EncodeToString(sum[:]),
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return BackupMeta{}, fmt.Errorf("encoding backup metadata: %w", err)
	}

	dir := filepath.Join(b.root, owner)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return BackupMeta{}, fmt.Errorf("creating backup dir: %w", err)
	}
	if err := writeExclusive(filepath.Join(dir, meta.ID+".json"), data); err != nil {
		return BackupMeta{}, err
	}
	if err := writeExclusive(filepath.Join(dir, meta.ID+".meta.json"), metaData); err != nil {
		os.Remove(filepath.Join(dir, meta.ID+".json"))
		return BackupMeta{}, err
	}
	return meta, nil
}

// List returns the owner's snapshots, newest first.
func (b *FileBackupStore) List(ctx context.Context, owner string) ([]BackupMeta, error) {
	if err := record.ValidateOwner(owner); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(b.root, owner))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}

	var out []BackupMeta
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.root, owner, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading backup metadata: %w", err)
		}
		var meta BackupMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("decoding backup metadata %s: %w", e.Name(), err)
		}
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
