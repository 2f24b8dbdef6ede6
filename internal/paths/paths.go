// Package paths translates between the three path namespaces the bridge
// deals with: absolute local paths, Perforce client-syntax paths
// ("//clientname/rest/of/path"), and vault-relative paths.
package paths

import (
	"path/filepath"
	"strings"
)

// Translator holds the vault root and performs pure path translation.
// It does no I/O; the root is taken as given.
type Translator struct {
	vaultRoot string
}

// NewTranslator creates a Translator for the given absolute vault root.
func NewTranslator(vaultRoot string) *Translator {
	return &Translator{vaultRoot: filepath.Clean(vaultRoot)}
}

// VaultRoot returns the absolute vault root the translator was built with.
func (t *Translator) VaultRoot() string {
	return t.vaultRoot
}

// Abs converts a vault-relative path to an absolute local path.
func (t *Translator) Abs(vaultRel string) string {
	return filepath.Join(t.vaultRoot, filepath.FromSlash(vaultRel))
}

// VaultRel converts an absolute local path to a vault-relative path.
// The containment check is case-insensitive and slash-normalized so that
// output from the tool on any platform correlates with editor paths.
// Paths outside the vault root report ok=false.
func (t *Translator) VaultRel(abs string) (string, bool) {
	cleaned := filepath.Clean(abs)
	rootNorm := Normalize(t.vaultRoot)
	absNorm := Normalize(cleaned)

	if absNorm == rootNorm {
		return "", false // the root itself is not a file path
	}
	if !strings.HasPrefix(absNorm, rootNorm+"/") {
		return "", false
	}

	// Slice the original (case-preserved) path, then normalize separators.
	rel := cleaned[len(t.vaultRoot):]
	rel = strings.TrimLeft(rel, "/\\")
	return strings.ReplaceAll(rel, "\\", "/"), true
}

// Contains reports whether an absolute path lies inside the vault root.
func (t *Translator) Contains(abs string) bool {
	_, ok := t.VaultRel(abs)
	return ok
}

// ClientToAbs converts a client-syntax path ("//clientname/rest") to an
// absolute local path under clientRoot. The client name segment is
// stripped positionally, up to the first slash after the leading "//",
// because the name the server embeds does not always match the
// configured client name byte for byte.
func ClientToAbs(clientPath, clientRoot string) (string, bool) {
	if !strings.HasPrefix(clientPath, "//") {
		return "", false
	}
	rest := clientPath[2:]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 || idx == len(rest)-1 {
		return "", false
	}
	return filepath.Join(clientRoot, filepath.FromSlash(rest[idx+1:])), true
}

// SameVaultPath reports whether two vault-relative paths refer to the same
// file, tolerating one side carrying the ".md" extension the editor shows
// and structural output omits (or vice versa).
func SameVaultPath(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return true
	}
	return na+".md" == nb || na == nb+".md"
}

// Normalize lowercases a path and converts all separators to forward
// slashes. Used for comparisons only; never for building real paths.
func Normalize(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
}
