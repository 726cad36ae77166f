// Package storage implements the content-addressed payload store. Small
// payloads live inline in the database; large ones spill to gzip files named
// by their SHA-256.
package storage

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/promowatch/promowatch/internal/pkg/logger"
)

// DefaultInlineCap is the inline threshold in bytes. Payloads at or under
// the cap are stored entirely inline with no spill file.
const DefaultInlineCap = 200 * 1024

// PreparedPayload is the result of Prepare: what to store inline, and where
// the full body lives when it was spilled.
type PreparedPayload struct {
	InlineText string
	Ref        *string
	SHA256     string
	SizeBytes  int
	Truncated  bool
}

// PayloadStore writes oversized payloads to a content-addressed directory.
type PayloadStore struct {
	dir       string
	inlineCap int
}

// NewPayloadStore creates a store rooted at dir. inlineCap <= 0 uses
// DefaultInlineCap.
func NewPayloadStore(dir string, inlineCap int) *PayloadStore {
	if inlineCap <= 0 {
		inlineCap = DefaultInlineCap
	}
	return &PayloadStore{dir: dir, inlineCap: inlineCap}
}

// Prepare hashes text and decides inline vs. spill. Texts over the inline
// cap are written to "<sha256>.txt.gz" under the store directory and only
// the first inlineCap bytes stay inline, with Truncated set.
func (s *PayloadStore) Prepare(text string) (*PreparedPayload, error) {
	raw := []byte(text)
	sum := sha256.Sum256(raw)
	p := &PreparedPayload{
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: len(raw),
	}

	if len(raw) <= s.inlineCap {
		p.InlineText = text
		return p, nil
	}

	path, err := s.writeBlob(p.SHA256, raw)
	if err != nil {
		return nil, err
	}
	p.Ref = &path
	p.InlineText = string(raw[:s.inlineCap])
	p.Truncated = true
	logger.Debug("payload spilled", "sha256", p.SHA256, "size_bytes", p.SizeBytes, "path", path)
	return p, nil
}

// Path returns the spill file path for a sha256, whether or not it exists.
func (s *PayloadStore) Path(sha string) string {
	return filepath.Join(s.dir, sha+".txt.gz")
}

// writeBlob writes the gzip spill file if it does not already exist. Content
// addressing makes the write idempotent: an existing file is always correct.
func (s *PayloadStore) writeBlob(sha string, raw []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("payload dir: %w", err)
	}
	path := s.Path(sha)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(s.dir, sha+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("payload temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if _, err := gz.Write(raw); err != nil {
		tmp.Close()
		return "", fmt.Errorf("payload write: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("payload gzip close: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("payload close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("payload rename: %w", err)
	}
	return path, nil
}

// Load reads and decompresses a spilled payload by its ref path.
func (s *PayloadStore) Load(ref string) (string, error) {
	f, err := os.Open(ref)
	if err != nil {
		return "", fmt.Errorf("payload open: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("payload gzip: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return "", fmt.Errorf("payload read: %w", err)
	}
	return string(raw), nil
}
