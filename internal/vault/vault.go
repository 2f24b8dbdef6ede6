package vault

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"p4vault/internal/logging"
	"p4vault/internal/paths"
)

// Vault is the local working copy. All content I/O is keyed by
// vault-relative paths; translation to disk paths stays in here.
type Vault struct {
	tr  *paths.Translator
	log zerolog.Logger
}

func New(tr *paths.Translator) *Vault {
	return &Vault{
		tr:  tr,
		log: logging.GetLogger("vault"),
	}
}

// Root returns the absolute vault root.
func (v *Vault) Root() string { return v.tr.VaultRoot() }

// Translator exposes the path translator for collaborators.
func (v *Vault) Translator() *paths.Translator { return v.tr }

func (v *Vault) ReadFile(vaultPath string) ([]byte, error) {
	return os.ReadFile(v.tr.Abs(vaultPath))
}

// WriteFile writes content atomically: a temp file in the target
// directory is renamed over the destination so a crash mid-write never
// leaves a torn file.
func (v *Vault) WriteFile(vaultPath string, data []byte) error {
	abs := v.tr.Abs(vaultPath)
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".p4vault-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", vaultPath, err)
	}
	return nil
}

func (v *Vault) Remove(vaultPath string) error {
	return os.Remove(v.tr.Abs(vaultPath))
}

// Rename moves a file within the vault, creating the target directory
// when needed.
func (v *Vault) Rename(oldPath, newPath string) error {
	dst := v.tr.Abs(newPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return os.Rename(v.tr.Abs(oldPath), dst)
}

func (v *Vault) Exists(vaultPath string) bool {
	_, err := os.Stat(v.tr.Abs(vaultPath))
	return err == nil
}

func (v *Vault) Stat(vaultPath string) (os.FileInfo, error) {
	return os.Stat(v.tr.Abs(vaultPath))
}
