package p4

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"p4vault/internal/logging"
	"p4vault/internal/paths"
)

// FileStore is the vault file-content primitive the manager needs for
// diff and merge material. Keyed by vault-relative path.
type FileStore interface {
	ReadFile(vaultPath string) ([]byte, error)
	WriteFile(vaultPath string, data []byte) error
}

// Manager exposes the high-level repository operations on top of the
// Runner, returning entities translated into vault-relative paths.
type Manager struct {
	runner *Runner
	tr     *paths.Translator
	files  FileStore
	log    zerolog.Logger

	mu   sync.RWMutex
	info ServerInfo
}

// NewManager creates a Manager. Connect must succeed before operations
// that translate client paths are meaningful.
func NewManager(runner *Runner, tr *paths.Translator, files FileStore) *Manager {
	return &Manager{
		runner: runner,
		tr:     tr,
		files:  files,
		log:    logging.GetLogger("p4manager"),
	}
}

// Runner returns the underlying runner (for availability re-probes).
func (m *Manager) Runner() *Runner { return m.runner }

// Connect probes the server and validates that the vault lives inside the
// active client workspace. The result is cached for path translation.
func (m *Manager) Connect(ctx context.Context) (*ServerInfo, error) {
	recs, err := m.runner.RunProbe(ctx, "info")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &CommandError{Kind: ErrOperation, Op: "info", Message: "no info record returned"}
	}

	rec := recs[0]
	info := ServerInfo{
		User:          rec.Str("userName"),
		Client:        rec.Str("clientName"),
		ClientRoot:    rec.Str("clientRoot"),
		ServerAddress: rec.Str("serverAddress"),
		ServerVersion: rec.Str("serverVersion"),
	}

	if info.Client == "" || info.Client == "*unknown*" || info.ClientRoot == "" {
		return nil, &CommandError{Kind: ErrNotInWorkspace, Op: "info", Message: "no client workspace is configured for this connection"}
	}

	vaultRoot := paths.Normalize(m.tr.VaultRoot())
	clientRoot := paths.Normalize(filepath.Clean(info.ClientRoot))
	if vaultRoot != clientRoot && !strings.HasPrefix(vaultRoot+"/", clientRoot+"/") {
		return nil, &CommandError{
			Kind:    ErrNotInWorkspace,
			Op:      "info",
			Message: fmt.Sprintf("vault %s is outside the client root %s", m.tr.VaultRoot(), info.ClientRoot),
		}
	}

	m.mu.Lock()
	m.info = info
	m.mu.Unlock()

	m.log.Info().
		Str("client", info.Client).
		Str("server", info.ServerAddress).
		Str("client_root", info.ClientRoot).
		Msg("workspace connected")

	return &info, nil
}

// Info returns the cached connection info.
func (m *Manager) Info() ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// localPath maps a vault-relative path to the absolute form the tool
// expects, preserving a trailing "..." folder wildcard.
func (m *Manager) localPath(vaultPath string) string {
	if strings.HasSuffix(vaultPath, "...") {
		base := strings.TrimSuffix(strings.TrimSuffix(vaultPath, "..."), "/")
		if base == "" {
			return filepath.Join(m.tr.VaultRoot(), "...")
		}
		return filepath.Join(m.tr.Abs(base), "...")
	}
	return m.tr.Abs(vaultPath)
}

func (m *Manager) localPaths(vaultPaths []string) []string {
	out := make([]string, len(vaultPaths))
	for i, p := range vaultPaths {
		out[i] = m.localPath(p)
	}
	return out
}

func (m *Manager) fileStatusFromRecord(rec Record, info ServerInfo) (FileStatus, bool) {
	clientFile := rec.Str("clientFile")
	abs := clientFile
	if strings.HasPrefix(clientFile, "//") {
		var ok bool
		abs, ok = paths.ClientToAbs(clientFile, info.ClientRoot)
		if !ok {
			return FileStatus{}, false
		}
	}
	vaultPath, ok := m.tr.VaultRel(abs)
	if !ok {
		return FileStatus{}, false
	}

	return FileStatus{
		DepotPath:  rec.Str("depotFile"),
		ClientPath: clientFile,
		VaultPath:  vaultPath,
		Action:     FileAction(rec.Str("action")),
		Change:     ParseChangeID(rec.Str("change")),
		FileType:   rec.Str("type"),
		Rev:        rec.Int("rev"),
		HaveRev:    rec.Int("haveRev"),
	}, true
}

// Opened returns all files open on the client that live inside the vault.
// Records outside the vault root are filtered out entirely.
func (m *Manager) Opened(ctx context.Context) ([]FileStatus, error) {
	recs, err := m.runner.RunStructured(ctx, "opened")
	if err != nil {
		if IsBenignEmpty(err) {
			return nil, nil
		}
		return nil, err
	}

	info := m.Info()
	statuses := make([]FileStatus, 0, len(recs))
	for _, rec := range recs {
		if fs, ok := m.fileStatusFromRecord(rec, info); ok {
			statuses = append(statuses, fs)
		}
	}
	return statuses, nil
}

// OpenedForFile is the authoritative single-file open check. A file that
// is not open reports (nil, nil).
func (m *Manager) OpenedForFile(ctx context.Context, vaultPath string) (*FileStatus, error) {
	recs, err := m.runner.RunStructured(ctx, "opened", m.tr.Abs(vaultPath))
	if err != nil {
		if IsBenignEmpty(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	fs, ok := m.fileStatusFromRecord(recs[0], m.Info())
	if !ok {
		return nil, nil
	}
	return &fs, nil
}

// Have lists the files synced to the client under the vault root. These
// seed the tracked-path set behind the read-only gate.
func (m *Manager) Have(ctx context.Context) ([]HaveEntry, error) {
	recs, err := m.runner.RunStructured(ctx, "have", filepath.Join(m.tr.VaultRoot(), "..."))
	if err != nil {
		if IsBenignEmpty(err) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]HaveEntry, 0, len(recs))
	for _, rec := range recs {
		vaultPath, ok := m.tr.VaultRel(rec.Str("path"))
		if !ok {
			continue
		}
		entries = append(entries, HaveEntry{
			DepotPath: rec.Str("depotFile"),
			VaultPath: vaultPath,
			HaveRev:   rec.Int("haveRev"),
		})
	}
	return entries, nil
}

func changeStatus(s string) ChangeStatus {
	switch ChangeStatus(s) {
	case StatusSubmitted:
		return StatusSubmitted
	case StatusShelved:
		return StatusShelved
	default:
		return StatusPending
	}
}

// PendingChangelists lists the client's pending changelists. The backend
// never returns the default changelist, so it is synthesized here and is
// always first.
func (m *Manager) PendingChangelists(ctx context.Context) ([]Changelist, error) {
	info := m.Info()
	lists := []Changelist{{
		ID:     DefaultChange,
		Owner:  info.User,
		Client: info.Client,
		Status: StatusPending,
	}}

	args := []string{"changes", "-s", "pending", "-l"}
	if info.Client != "" {
		args = append(args, "-c", info.Client)
	}

	recs, err := m.runner.RunStructured(ctx, args...)
	if err != nil {
		if IsBenignEmpty(err) {
			return lists, nil
		}
		return nil, err
	}

	for _, rec := range recs {
		id := ParseChangeID(rec.Str("change"))
		if id.IsDefault() {
			continue
		}
		lists = append(lists, Changelist{
			ID:          id,
			Description: strings.TrimSpace(rec.Str("desc")),
			Owner:       rec.Str("user"),
			Client:      rec.Str("client"),
			Status:      changeStatus(rec.Str("status")),
			Time:        int64(rec.Int("time")),
		})
	}
	return lists, nil
}

// Checkout opens files for edit in the given changelist. Paths accept a
// trailing "..." folder wildcard.
func (m *Manager) Checkout(ctx context.Context, change ChangeID, vaultPaths ...string) error {
	args := []string{"edit"}
	if !change.IsDefault() {
		args = append(args, "-c", change.String())
	}
	args = append(args, m.localPaths(vaultPaths)...)
	_, err := m.runner.Run(ctx, args...)
	return err
}

// Lock locks already-opened files against concurrent submits.
func (m *Manager) Lock(ctx context.Context, vaultPaths ...string) error {
	args := append([]string{"lock"}, m.localPaths(vaultPaths)...)
	_, err := m.runner.Run(ctx, args...)
	return err
}

// Add opens files for add in the given changelist.
func (m *Manager) Add(ctx context.Context, change ChangeID, vaultPaths ...string) error {
	args := []string{"add"}
	if !change.IsDefault() {
		args = append(args, "-c", change.String())
	}
	args = append(args, m.localPaths(vaultPaths)...)
	_, err := m.runner.Run(ctx, args...)
	return err
}

// MarkForDelete opens files for delete.
func (m *Manager) MarkForDelete(ctx context.Context, change ChangeID, vaultPaths ...string) error {
	args := []string{"delete"}
	if !change.IsDefault() {
		args = append(args, "-c", change.String())
	}
	args = append(args, m.localPaths(vaultPaths)...)
	_, err := m.runner.Run(ctx, args...)
	return err
}

// Revert discards pending changes to the given files or folders.
func (m *Manager) Revert(ctx context.Context, vaultPaths ...string) error {
	args := append([]string{"revert"}, m.localPaths(vaultPaths)...)
	_, err := m.runner.Run(ctx, args...)
	return err
}

// Move renames a file in the backend. The source is checked out first
// when it is not already open, since the tool refuses moves of unopened
// files.
func (m *Manager) Move(ctx context.Context, fromVault, toVault string) error {
	status, err := m.OpenedForFile(ctx, fromVault)
	if err != nil {
		return err
	}
	if status == nil {
		if err := m.Checkout(ctx, DefaultChange, fromVault); err != nil {
			return err
		}
	}
	_, err = m.runner.Run(ctx, "move", m.tr.Abs(fromVault), m.tr.Abs(toVault))
	return err
}

// Sync brings the vault (or the given paths) up to date and reports what
// changed. An up-to-date workspace reports no files and no error.
func (m *Manager) Sync(ctx context.Context, force bool, vaultPaths ...string) ([]SyncedFile, error) {
	args := []string{"sync"}
	if force {
		args = append(args, "-f")
	}
	if len(vaultPaths) == 0 {
		args = append(args, filepath.Join(m.tr.VaultRoot(), "..."))
	} else {
		args = append(args, m.localPaths(vaultPaths)...)
	}

	recs, err := m.runner.RunStructured(ctx, args...)
	if err != nil {
		if IsBenignEmpty(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []SyncedFile
	for _, rec := range recs {
		vaultPath, ok := m.tr.VaultRel(rec.Str("clientFile"))
		if !ok {
			continue
		}
		files = append(files, SyncedFile{
			DepotPath: rec.Str("depotFile"),
			VaultPath: vaultPath,
			Rev:       rec.Int("rev"),
			Action:    parseSyncAction(rec.Str("action")),
		})
	}
	return files, nil
}

// Print fetches depot content. path may be vault-relative or depot
// syntax; rev 0 means the head revision.
func (m *Manager) Print(ctx context.Context, path string, rev int) (string, error) {
	target := path
	if !strings.HasPrefix(path, "//") {
		target = m.tr.Abs(path)
	}
	if rev > 0 {
		target += "#" + strconv.Itoa(rev)
	}
	return m.runner.Run(ctx, "print", "-q", target)
}

// HaveRev returns the revision currently synced for a file; 0 when the
// client has none.
func (m *Manager) HaveRev(ctx context.Context, vaultPath string) (int, error) {
	recs, err := m.runner.RunStructured(ctx, "fstat", "-T", "haveRev", m.tr.Abs(vaultPath))
	if err != nil {
		if IsBenignEmpty(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[0].Int("haveRev"), nil
}

// Diff performs the three independent fetches for a diff view: depot
// text, local text, and the tool's own diff. Empty tool output means the
// texts do not differ.
func (m *Manager) Diff(ctx context.Context, vaultPath string) (*DiffResult, error) {
	res := &DiffResult{VaultPath: vaultPath}
	abs := m.tr.Abs(vaultPath)

	depot, err := m.runner.Run(ctx, "print", "-q", abs)
	if err != nil && !IsBenignEmpty(err) {
		return nil, err
	}
	res.DepotText = depot

	if data, err := m.files.ReadFile(vaultPath); err == nil {
		res.LocalText = string(data)
	}

	toolDiff, err := m.runner.Run(ctx, "diff", "-du", abs)
	if err != nil && !IsBenignEmpty(err) {
		return nil, err
	}
	res.ToolDiff = toolDiff

	return res, nil
}

// Annotate returns the raw per-line authorship output for a file. Parsing
// lives in the blame package.
func (m *Manager) Annotate(ctx context.Context, vaultPath string) (string, error) {
	return m.runner.Run(ctx, "annotate", "-cu", m.tr.Abs(vaultPath))
}

// Describe fetches a changelist with its full description.
func (m *Manager) Describe(ctx context.Context, id ChangeID) (*Changelist, error) {
	recs, err := m.runner.RunStructured(ctx, "describe", "-s", id.String())
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &CommandError{Kind: ErrOperation, Op: "describe", Message: "changelist " + id.String() + " not found"}
	}

	rec := recs[0]
	return &Changelist{
		ID:          id,
		Description: strings.TrimSpace(rec.Str("desc")),
		Owner:       rec.Str("user"),
		Client:      rec.Str("client"),
		Status:      changeStatus(rec.Str("status")),
		Time:        int64(rec.Int("time")),
	}, nil
}

// Login authenticates with the password piped over stdin.
func (m *Manager) Login(ctx context.Context, password string) error {
	_, err := m.runner.RunWithStdin(ctx, password+"\n", "login")
	return err
}

// LoginStatus checks whether the current ticket is still valid.
func (m *Manager) LoginStatus(ctx context.Context) error {
	_, err := m.runner.Run(ctx, "login", "-s")
	return err
}
