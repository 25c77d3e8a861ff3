package pruning

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// ArchiveStore keeps removed records for the long term.
type ArchiveStore interface {
	// Archive stores records under owner and category and returns where.
	Archive(ctx context.Context, owner, category string, records record.Set) (string, error)

	// Discard removes an archive returned by Archive. Passes that abort after
	// archiving call it so no archive outlives its records.
	Discard(ctx context.Context, path string) error
}

var categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ArchiveDocument is the content of one archive file.
type ArchiveDocument struct {
	Owner      string     `json:"owner"`
	Category   string     `json:"category"`
	ArchivedAt time.Time  `json:"archived_at"`
	Records    record.Set `json:"records"`
}

// GzipArchive writes <root>/<owner>/<category>_<timestamp>.json.gz files.
type GzipArchive struct {
	root string
	now  func() time.Time
}

// NewGzipArchive creates the archive root with 0700 permissions.
func NewGzipArchive(root string) (*GzipArchive, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving archive root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("creating archive root %s: %w", abs, err)
	}
	return &GzipArchive{root: abs, now: time.Now}, nil
}

// SetClock overrides the clock used for file names.
func (g *GzipArchive) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Root returns the archive directory.
func (g *GzipArchive) Root() string {
	return g.root
}

// Archive implements ArchiveStore. Files are never overwritten; a name already
// taken in the same second gets a numeric suffix.
func (g *GzipArchive) Archive(ctx context.Context, owner, category string, records record.Set) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := record.ValidateOwner(owner); err != nil {
		return "", err
	}
	if !categoryPattern.MatchString(category) {
		return "", fmt.Errorf("invalid archive category %q", category)
	}

	now := g.now().UTC()
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", err
	}
	if err := json.NewEncoder(zw).Encode(ArchiveDocument{
		Owner:      owner,
		Category:   category,
		ArchivedAt: now,
		Records:    records,
	}); err != nil {
		return "", fmt.Errorf("encoding archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compressing archive: %w", err)
	}

	dir := filepath.Join(g.root, owner)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	base := fmt.Sprintf("%s_%s", category, now.Format("20060102_150405"))
	for n := 0; ; n++ {
		name := base + ".json.gz"
		if n > 0 {
			name = fmt.Sprintf("%s_%d.json.gz", base, n)
		}
		path := filepath.Join(dir, name)
		err := writeExclusive(path, buf.Bytes())
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return path, nil
	}
}

// Discard implements ArchiveStore. Paths outside the archive root are
// rejected and a missing file is not an error.
func (g *GzipArchive) Discard(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := filepath.Rel(g.root, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("archive %s is outside %s", path, g.root)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discarding archive %s: %w", path, err)
	}
	return nil
}

// ReadArchive decodes an archive file written by GzipArchive.
func ReadArchive(path string) (*ArchiveDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	defer zr.Close()

	var doc ArchiveDocument
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding archive %s: %w", path, err)
	}
	return &doc, nil
}

// writeExclusive creates path, failing with os.ErrExist if it exists, and
// writes data durably. A failed write removes the file.
func writeExclusive(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return nil
}
