// bindings.go
package main

import (
	"p4vault/internal/blame"
	"p4vault/internal/diff"
	"p4vault/internal/eventhub"
	"p4vault/internal/guard"
	"p4vault/internal/p4"
)

// ===== Connection Bindings =====

// ConnectionState reports the last server probe outcome.
type ConnectionState struct {
	State string         `json:"state"`
	Error string         `json:"error,omitempty"`
	Info  *p4.ServerInfo `json:"info,omitempty"`
}

// GetConnectionState returns the current connection state without probing
func (a *App) GetConnectionState() ConnectionState {
	state, msg := a.connectionState()
	st := ConnectionState{State: state, Error: msg}
	if state == connConnected {
		info := a.p4Manager.Info()
		st.Info = &info
	}
	return st
}

// Reconnect re-probes the server and returns the resulting state
func (a *App) Reconnect() ConnectionState {
	a.connect()
	return a.GetConnectionState()
}

// Login authenticates against the server and reinitializes session
// state from cold on success
func (a *App) Login(password string) error {
	if err := a.p4Manager.Login(a.ctx, password); err != nil {
		return err
	}
	a.blameCache.InvalidateAll()
	a.editGuard.ClearSkips()
	a.connect()
	return nil
}

// IsLoggedIn checks whether the current ticket is still valid
func (a *App) IsLoggedIn() bool {
	return a.p4Manager.LoginStatus(a.ctx) == nil
}

// ===== Status Bindings =====

// GetOpenedFiles returns the cached opened-files snapshot
func (a *App) GetOpenedFiles() []p4.FileStatus {
	return a.editGuard.OpenedSnapshot()
}

// GetFileStatus queries the server for one file's open status; nil when not open
func (a *App) GetFileStatus(path string) (*p4.FileStatus, error) {
	return a.p4Manager.OpenedForFile(a.ctx, path)
}

// GetFileState returns the guard's view of a path: untracked, synced or open
func (a *App) GetFileState(path string) string {
	return string(a.editGuard.State(path))
}

// RefreshStatus re-reads opened and have state immediately
func (a *App) RefreshStatus() error {
	return a.editGuard.RefreshNow(a.ctx)
}

// ===== Changelist Bindings =====

// GetPendingChangelists returns the default changelist followed by the
// client's pending numbered changelists
func (a *App) GetPendingChangelists() ([]p4.Changelist, error) {
	return a.p4Manager.PendingChangelists(a.ctx)
}

// CreateChangelist creates a numbered changelist with the given description
func (a *App) CreateChangelist(description string) (p4.ChangeID, error) {
	return a.p4Manager.CreateChangelist(a.ctx, description)
}

// UpdateChangelistDescription rewrites a pending changelist's description
func (a *App) UpdateChangelistDescription(change p4.ChangeID, description string) error {
	return a.p4Manager.UpdateChangelistDescription(a.ctx, change, description)
}

// DeleteChangelist removes an empty pending changelist
func (a *App) DeleteChangelist(change p4.ChangeID) error {
	return a.p4Manager.DeleteChangelist(a.ctx, change)
}

// ReopenFiles moves opened files into another changelist
func (a *App) ReopenFiles(change p4.ChangeID, paths []string) error {
	if err := a.p4Manager.ReopenFiles(a.ctx, change, paths...); err != nil {
		return err
	}
	a.editGuard.RequestRefresh()
	return nil
}

// SubmitChangelist submits a changelist and returns the submitted change
// number. The default changelist requires a description.
func (a *App) SubmitChangelist(change p4.ChangeID, description string) (p4.ChangeID, error) {
	submitted, err := a.p4Manager.Submit(a.ctx, change, description)
	if err != nil {
		return 0, err
	}
	a.blameCache.InvalidateAll()
	a.editGuard.RequestRefresh()
	return submitted, nil
}

// ===== Shelve Bindings =====

// ShelveFiles shelves a changelist's files, or a subset of them
func (a *App) ShelveFiles(change p4.ChangeID, force bool, paths []string) error {
	return a.p4Manager.Shelve(a.ctx, change, force, paths...)
}

// UnshelveFiles restores shelved files into a target changelist
func (a *App) UnshelveFiles(shelf, target p4.ChangeID) error {
	if err := a.p4Manager.Unshelve(a.ctx, shelf, target); err != nil {
		return err
	}
	a.editGuard.RequestRefresh()
	return nil
}

// DeleteShelvedFiles discards a changelist's shelved files
func (a *App) DeleteShelvedFiles(change p4.ChangeID) error {
	return a.p4Manager.DeleteShelved(a.ctx, change)
}

// ===== File Operation Bindings =====

// CheckoutFiles opens files for edit in a changelist; paths may be
// folder wildcards (dir/...)
func (a *App) CheckoutFiles(change p4.ChangeID, paths []string, lock bool) error {
	if err := a.p4Manager.Checkout(a.ctx, change, paths...); err != nil {
		return err
	}
	if lock {
		if err := a.p4Manager.Lock(a.ctx, paths...); err != nil {
			return err
		}
	}
	return a.editGuard.RefreshNow(a.ctx)
}

// AddFiles opens new files for add in a changelist
func (a *App) AddFiles(change p4.ChangeID, paths []string) error {
	if err := a.p4Manager.Add(a.ctx, change, paths...); err != nil {
		return err
	}
	return a.editGuard.RefreshNow(a.ctx)
}

// DeleteFiles marks files for delete in a changelist
func (a *App) DeleteFiles(change p4.ChangeID, paths []string) error {
	if err := a.p4Manager.MarkForDelete(a.ctx, change, paths...); err != nil {
		return err
	}
	for _, p := range paths {
		a.snapshots.Forget(p)
	}
	return a.editGuard.RefreshNow(a.ctx)
}

// RevertFiles discards pending changes and reverts to depot content
func (a *App) RevertFiles(paths []string) error {
	if err := a.p4Manager.Revert(a.ctx, paths...); err != nil {
		return err
	}
	for _, p := range paths {
		a.blameCache.Invalidate(p)
	}
	return a.editGuard.RefreshNow(a.ctx)
}

// LockFiles takes the exclusive lock on already-opened files
func (a *App) LockFiles(paths []string) error {
	if err := a.p4Manager.Lock(a.ctx, paths...); err != nil {
		return err
	}
	a.editGuard.RequestRefresh()
	return nil
}

// MoveFile renames a file in the backend, checking the source out first
// when needed
func (a *App) MoveFile(from, to string) error {
	if err := a.p4Manager.Move(a.ctx, from, to); err != nil {
		return err
	}
	a.snapshots.Rename(from, to)
	a.blameCache.Invalidate(from)
	a.blameCache.Invalidate(to)
	return a.editGuard.RefreshNow(a.ctx)
}

// SyncFiles brings paths up to date from the depot; empty paths syncs
// the whole workspace
func (a *App) SyncFiles(force bool, paths []string) ([]p4.SyncedFile, error) {
	synced, err := a.p4Manager.Sync(a.ctx, force, paths...)
	if err != nil {
		return nil, err
	}
	for _, f := range synced {
		a.blameCache.Invalidate(f.VaultPath)
	}
	a.eventHub.EmitSynced(eventhub.SyncedEvent{Files: synced})
	a.editGuard.RequestRefresh()
	return synced, nil
}

// GetDepotFile fetches a file's content at a depot revision; rev 0 means head
func (a *App) GetDepotFile(path string, rev int) (string, error) {
	return a.p4Manager.Print(a.ctx, path, rev)
}

// GetHaveRevision returns the revision the workspace currently has
func (a *App) GetHaveRevision(path string) (int, error) {
	return a.p4Manager.HaveRev(a.ctx, path)
}

// ===== Diff Bindings =====

// FileDiff carries the raw texts plus a structured line diff for rendering.
type FileDiff struct {
	VaultPath string      `json:"vault_path"`
	DepotText string      `json:"depot_text"`
	LocalText string      `json:"local_text"`
	ToolDiff  string      `json:"tool_diff"`
	Lines     []diff.Line `json:"lines"`
	Added     int         `json:"added"`
	Removed   int         `json:"removed"`
}

// GetFileDiff fetches depot and local content and computes the line diff
func (a *App) GetFileDiff(path string) (*FileDiff, error) {
	res, err := a.p4Manager.Diff(a.ctx, path)
	if err != nil {
		return nil, err
	}
	structured := diff.Compare(path, res.DepotText, res.LocalText)
	return &FileDiff{
		VaultPath: res.VaultPath,
		DepotText: res.DepotText,
		LocalText: res.LocalText,
		ToolDiff:  res.ToolDiff,
		Lines:     structured.Lines,
		Added:     structured.Added,
		Removed:   structured.Removed,
	}, nil
}

// ===== Conflict Bindings =====

// GetConflicts previews the files that need resolving
func (a *App) GetConflicts() ([]p4.ConflictFile, error) {
	return a.p4Manager.Conflicts(a.ctx)
}

// GetMergeInput fetches the base, theirs and yours texts for a conflict
func (a *App) GetMergeInput(conflict p4.ConflictFile) (*p4.MergeVersions, error) {
	return a.p4Manager.MergeInput(a.ctx, conflict)
}

// ResolveConflict resolves one file. Mode is accept_yours, accept_theirs,
// accept_safe or accept_merged; merged text is used only by accept_merged.
func (a *App) ResolveConflict(path, mode, mergedText string) error {
	m, err := p4.ParseResolveMode(mode)
	if err != nil {
		return err
	}
	if err := a.p4Manager.Resolve(a.ctx, path, m, mergedText); err != nil {
		return err
	}
	a.blameCache.Invalidate(path)
	a.editGuard.RequestRefresh()
	return nil
}

// ===== Blame Bindings =====

// GetBlame returns per-line annotation for a file, cached for five minutes
func (a *App) GetBlame(path string, force bool) (*blame.Result, error) {
	return a.blameCache.Blame(a.ctx, path, force)
}

// InvalidateBlame drops the cached annotation for one file
func (a *App) InvalidateBlame(path string) {
	a.blameCache.Invalidate(path)
}

// InvalidateAllBlame drops every cached annotation
func (a *App) InvalidateAllBlame() {
	a.blameCache.InvalidateAll()
}

// ===== Editor Notification Bindings =====

// NotifyFileOpened reports a file opened in the editor and returns the
// presentation directive (read-only until checked out)
func (a *App) NotifyFileOpened(path string) guard.OpenDirective {
	return a.editGuard.FileOpened(path)
}

// NotifyFileClosed reports a file closed in the editor
func (a *App) NotifyFileClosed(path string) {
	a.editGuard.FileClosed(path)
}

// RequestEditMode asks to flip a file editable; false means a checkout
// prompt is on its way (or was declined)
func (a *App) RequestEditMode(path string) bool {
	return a.editGuard.ModeSwitchRequested(path)
}

// ClearPromptSkips forgets all skip-once and skip-session decisions
func (a *App) ClearPromptSkips() {
	a.editGuard.ClearSkips()
}
