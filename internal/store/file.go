package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// documentName is the per-owner file inside the store root.
const documentName = "records.json"

// FileDocumentStore keeps one document per owner at <root>/<owner>/records.json.
type FileDocumentStore struct {
	root string
}

// NewFileDocumentStore creates the root directory if needed.
func NewFileDocumentStore(root string) (*FileDocumentStore, error) {
	if root == "" {
		return nil, errors.New("file store root cannot be empty")
	}
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolving store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &FileDocumentStore{root: abs}, nil
}

// Root returns the absolute store directory.
func (f *FileDocumentStore) Root() string {
	return f.root
}

func (f *FileDocumentStore) path(owner string) (string, error) {
	if err := record.ValidateOwner(owner); err != nil {
		return "", err
	}
	return filepath.Join(f.root, owner, documentName), nil
}

// Load reads the owner's document.
func (f *FileDocumentStore) Load(ctx context.Context, owner string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.path(owner)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

// Save writes to a temp file, syncs it and renames it over the document.
func (f *FileDocumentStore) Save(ctx context.Context, owner string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.path(owner)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating owner directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, documentName+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp document: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp document: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing document: %w", err)
	}
	return nil
}

// Owners lists owner directories that contain a document.
func (f *FileDocumentStore) Owners(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("listing store root: %w", err)
	}
	var owners []string
	for _, e := range entries {
		if !e.IsDir() || record.ValidateOwner(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.root, e.Name(), documentName)); err == nil {
			owners = append(owners, e.Name())
		}
	}
	sort.Strings(owners)
	return owners, nil
}
