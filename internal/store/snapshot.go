package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"p4vault/internal/logging"
)

// ErrNoSnapshot is returned when no depot content has been captured for
// a path.
var ErrNoSnapshot = errors.New("no snapshot for path")

// SnapshotRef describes the stored depot content for one vault file.
type SnapshotRef struct {
	VaultPath string    `json:"vault_path"`
	Hash      string    `json:"hash"`
	Rev       int       `json:"rev"`
	Size      int       `json:"size"`
	SavedAt   time.Time `json:"saved_at"`
}

// SnapshotStore keeps the last known depot content per vault file so a
// blocked save can be rolled back without a server round-trip. Content
// is compressed and stored by hash, so identical revisions share one
// pool entry.
type SnapshotStore struct {
	baseDir string
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	index   map[string]SnapshotRef
	log     zerolog.Logger
}

// NewSnapshotStore opens (or creates) the store under baseDir and loads
// the existing index.
func NewSnapshotStore(baseDir string, compressionLevel int) (*SnapshotStore, error) {
	encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	decoder, _ := zstd.NewReader(nil)

	s := &SnapshotStore{
		baseDir: baseDir,
		encoder: encoder,
		decoder: decoder,
		index:   make(map[string]SnapshotRef),
		log:     logging.GetLogger("store"),
	}

	if err := os.MkdirAll(s.poolDir(), 0755); err != nil {
		return nil, fmt.Errorf("create content pool: %w", err)
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) poolDir() string {
	return filepath.Join(s.baseDir, "content_pool")
}

func (s *SnapshotStore) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

func (s *SnapshotStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		// a corrupt index loses rollback material but must not brick
		// startup; snapshots repopulate on the next sync
		s.log.Warn().Err(err).Msg("snapshot index corrupt, starting empty")
		s.index = make(map[string]SnapshotRef)
	}
	return nil
}

// persistIndex writes the index; callers hold the write lock.
func (s *SnapshotStore) persistIndex() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot index: %w", err)
	}
	if err := os.WriteFile(s.indexPath(), data, 0644); err != nil {
		return fmt.Errorf("write snapshot index: %w", err)
	}
	return nil
}

// Hash returns the content-pool key for a piece of content.
func Hash(content []byte) string {
	h := sha256.Sum256(content)
	return fmt.Sprintf("%x", h)
}

// Put records content as the last known depot state of a vault file.
func (s *SnapshotStore) Put(vaultPath string, rev int, content []byte) (SnapshotRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := Hash(content)
	poolFile := filepath.Join(s.poolDir(), hash+".zst")
	if _, err := os.Stat(poolFile); os.IsNotExist(err) {
		compressed := s.encoder.EncodeAll(content, nil)
		if err := os.WriteFile(poolFile, compressed, 0644); err != nil {
			return SnapshotRef{}, fmt.Errorf("write pool content: %w", err)
		}
	}

	ref := SnapshotRef{
		VaultPath: vaultPath,
		Hash:      hash,
		Rev:       rev,
		Size:      len(content),
		SavedAt:   time.Now(),
	}
	s.index[vaultPath] = ref

	if err := s.persistIndex(); err != nil {
		return SnapshotRef{}, err
	}
	return ref, nil
}

// Get returns the stored depot content for a vault file.
func (s *SnapshotStore) Get(vaultPath string) ([]byte, SnapshotRef, error) {
	s.mu.RLock()
	ref, ok := s.index[vaultPath]
	s.mu.RUnlock()
	if !ok {
		return nil, SnapshotRef{}, ErrNoSnapshot
	}

	compressed, err := os.ReadFile(filepath.Join(s.poolDir(), ref.Hash+".zst"))
	if err != nil {
		return nil, SnapshotRef{}, fmt.Errorf("read pool content: %w", err)
	}
	content, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, SnapshotRef{}, fmt.Errorf("decompress pool content: %w", err)
	}
	return content, ref, nil
}

// Has reports whether rollback material exists for a path.
func (s *SnapshotStore) Has(vaultPath string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[vaultPath]
	return ok
}

// Ref returns the index entry for a path without touching the pool.
func (s *SnapshotStore) Ref(vaultPath string) (SnapshotRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.index[vaultPath]
	return ref, ok
}

// Rename moves the index entry when a vault file is renamed; the pool
// content is untouched.
func (s *SnapshotStore) Rename(oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.index[oldPath]
	if !ok {
		return nil
	}
	delete(s.index, oldPath)
	ref.VaultPath = newPath
	s.index[newPath] = ref
	return s.persistIndex()
}

// Forget drops the index entry for a path. Pool content lingers until
// Prune runs.
func (s *SnapshotStore) Forget(vaultPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[vaultPath]; !ok {
		return nil
	}
	delete(s.index, vaultPath)
	return s.persistIndex()
}

// Prune deletes pool content no index entry references and reports how
// many files were removed.
func (s *SnapshotStore) Prune() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[string]bool, len(s.index))
	for _, ref := range s.index {
		referenced[ref.Hash] = true
	}

	entries, err := os.ReadDir(s.poolDir())
	if err != nil {
		return 0, fmt.Errorf("read content pool: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		hash := entry.Name()
		if ext := filepath.Ext(hash); ext == ".zst" {
			hash = hash[:len(hash)-len(ext)]
		}
		if referenced[hash] {
			continue
		}
		if err := os.Remove(filepath.Join(s.poolDir(), entry.Name())); err == nil {
			removed++
		}
	}

	if removed > 0 {
		s.log.Debug().Int("removed", removed).Msg("pruned unreferenced snapshots")
	}
	return removed, nil
}
