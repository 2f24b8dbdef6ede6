package guard

import (
	"sync"

	"p4vault/internal/vault"
)

// Files adapts the vault for collaborators whose writes must not trip
// the save guard, such as merge-resolution output. It is created before
// the guard exists and bound once wiring completes; unbound it writes
// straight through.
type Files struct {
	vault *vault.Vault

	mu    sync.Mutex
	guard *Guard
}

func NewFiles(v *vault.Vault) *Files {
	return &Files{vault: v}
}

// Bind attaches the guard; later writes go through its suppression.
func (f *Files) Bind(g *Guard) {
	f.mu.Lock()
	f.guard = g
	f.mu.Unlock()
}

func (f *Files) ReadFile(vaultPath string) ([]byte, error) {
	return f.vault.ReadFile(vaultPath)
}

func (f *Files) WriteFile(vaultPath string, data []byte) error {
	f.mu.Lock()
	g := f.guard
	f.mu.Unlock()

	if g != nil {
		return g.InternalWrite(vaultPath, data)
	}
	return f.vault.WriteFile(vaultPath, data)
}
