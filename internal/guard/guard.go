package guard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"p4vault/internal/eventhub"
	"p4vault/internal/logging"
	"p4vault/internal/p4"
	"p4vault/internal/prompt"
	"p4vault/internal/store"
	"p4vault/internal/vault"
	"p4vault/internal/watcher"
)

// FileState is the guard's view of one vault file.
type FileState string

const (
	// StateUntracked: the depot knows nothing about the file.
	StateUntracked FileState = "untracked"
	// StateSynced: tracked but not opened; writes are blocked.
	StateSynced FileState = "synced"
	// StateOpen: opened on the client; writes are free.
	StateOpen FileState = "open"
)

// Policy holds the user-facing guard switches.
type Policy struct {
	AutoAdd     bool
	AddDebounce time.Duration
}

const (
	refreshDebounce = 500 * time.Millisecond
	// suppressGrace covers the watcher debounce plus scheduling slack
	// between an internal write and its file-system event arriving.
	suppressGrace = 2 * time.Second
)

// Guard enforces the edit policy over the vault: tracked files that are
// not checked out stay read-only, and writes that slip through are
// rolled back to the last known depot content.
//
// The opened and tracked caches are the synchronous fast path; they can
// be stale relative to an in-flight authoritative query, which the next
// refresh corrects. Refreshes replace the snapshot wholesale.
type Guard struct {
	ctx     context.Context
	mgr     *p4.Manager
	vault   *vault.Vault
	snaps   *store.SnapshotStore
	hub     *eventhub.EventHub
	prompts *prompt.Center
	policy  Policy
	log     zerolog.Logger

	mu          sync.Mutex
	opened      map[string]p4.FileStatus
	tracked     map[string]bool
	onceSkip    map[string]bool
	sessionSkip map[string]bool
	prompting   map[string]bool
	suppressed  map[string]time.Time
	addOptOut   bool
	delOptOut   bool

	refreshMu    sync.Mutex
	refreshTimer *time.Timer

	addTimersMu sync.Mutex
	addTimers   map[string]*time.Timer
}

func New(ctx context.Context, mgr *p4.Manager, v *vault.Vault, snaps *store.SnapshotStore, hub *eventhub.EventHub, prompts *prompt.Center, policy Policy) *Guard {
	if policy.AddDebounce <= 0 {
		policy.AddDebounce = 400 * time.Millisecond
	}
	return &Guard{
		ctx:         ctx,
		mgr:         mgr,
		vault:       v,
		snaps:       snaps,
		hub:         hub,
		prompts:     prompts,
		policy:      policy,
		log:         logging.GetLogger("guard"),
		opened:      make(map[string]p4.FileStatus),
		tracked:     make(map[string]bool),
		onceSkip:    make(map[string]bool),
		sessionSkip: make(map[string]bool),
		prompting:   make(map[string]bool),
		suppressed:  make(map[string]time.Time),
		addTimers:   make(map[string]*time.Timer),
	}
}

// Close cancels outstanding timers.
func (g *Guard) Close() {
	g.refreshMu.Lock()
	if g.refreshTimer != nil {
		g.refreshTimer.Stop()
		g.refreshTimer = nil
	}
	g.refreshMu.Unlock()

	g.addTimersMu.Lock()
	for _, t := range g.addTimers {
		t.Stop()
	}
	g.addTimers = make(map[string]*time.Timer)
	g.addTimersMu.Unlock()
}

// ===== snapshot and state =====

// Refresh replaces the opened and tracked caches with authoritative
// state and broadcasts the new snapshot.
func (g *Guard) Refresh(ctx context.Context) error {
	opened, err := g.mgr.Opened(ctx)
	if err != nil {
		return err
	}
	have, err := g.mgr.Have(ctx)
	if err != nil {
		return err
	}

	openedMap := make(map[string]p4.FileStatus, len(opened))
	for _, fs := range opened {
		openedMap[fs.VaultPath] = fs
	}
	tracked := make(map[string]bool, len(have)+len(openedMap))
	for _, h := range have {
		tracked[h.VaultPath] = true
	}
	for path := range openedMap {
		tracked[path] = true
	}

	g.mu.Lock()
	g.opened = openedMap
	g.tracked = tracked
	g.mu.Unlock()

	g.hub.EmitStatusChanged(eventhub.StatusChangedEvent{Opened: opened})
	return nil
}

// RequestRefresh schedules a refresh; bursts are coalesced and only the
// last request's timing matters.
func (g *Guard) RequestRefresh() {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	if g.refreshTimer != nil {
		g.refreshTimer.Stop()
	}
	g.refreshTimer = time.AfterFunc(refreshDebounce, func() {
		if err := g.Refresh(g.ctx); err != nil {
			g.log.Warn().Err(err).Msg("background refresh failed")
		}
		g.hub.EmitRefresh()
	})
}

// RefreshNow runs an explicit refresh immediately, superseding any
// scheduled one.
func (g *Guard) RefreshNow(ctx context.Context) error {
	g.refreshMu.Lock()
	if g.refreshTimer != nil {
		g.refreshTimer.Stop()
		g.refreshTimer = nil
	}
	g.refreshMu.Unlock()

	err := g.Refresh(ctx)
	g.hub.EmitRefreshNow()
	return err
}

// State reports a file's state from the synchronous cache. Opened wins
// over synced, synced over untracked.
func (g *Guard) State(path string) FileState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.opened[path]; ok {
		return StateOpen
	}
	if g.tracked[path] {
		return StateSynced
	}
	return StateUntracked
}

// OpenedStatus returns the cached status for an opened file.
func (g *Guard) OpenedStatus(path string) (p4.FileStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fs, ok := g.opened[path]
	return fs, ok
}

// OpenedSnapshot returns the cached opened files sorted by path.
func (g *Guard) OpenedSnapshot() []p4.FileStatus {
	g.mu.Lock()
	out := make([]p4.FileStatus, 0, len(g.opened))
	for _, fs := range g.opened {
		out = append(out, fs)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VaultPath < out[j].VaultPath })
	return out
}

// ClearSkips forgets all per-session and per-open opt-outs.
func (g *Guard) ClearSkips() {
	g.mu.Lock()
	g.onceSkip = make(map[string]bool)
	g.sessionSkip = make(map[string]bool)
	g.addOptOut = false
	g.delOptOut = false
	g.mu.Unlock()
}

// ===== editor surface =====

// OpenDirective tells the editor how to present a just-opened file.
type OpenDirective struct {
	Path     string    `json:"path"`
	ReadOnly bool      `json:"read_only"`
	State    FileState `json:"state"`
}

// FileOpened handles a file-open report from the editor. For a synced
// file the directive forces read-only presentation from the cache alone,
// before the authoritative check resolves, so editability never flashes.
func (g *Guard) FileOpened(path string) OpenDirective {
	state := g.State(path)
	if state != StateSynced {
		return OpenDirective{Path: path, ReadOnly: false, State: state}
	}

	go g.captureSnapshot(path)
	go g.confirmAndPrompt(path)
	return OpenDirective{Path: path, ReadOnly: true, State: state}
}

// FileClosed clears the file's skip-once opt-out; the next open prompts
// again.
func (g *Guard) FileClosed(path string) {
	g.mu.Lock()
	delete(g.onceSkip, path)
	g.mu.Unlock()
}

// ModeSwitchRequested handles the editor switching a file from read-only
// to editable presentation. The switch is denied for synced files; a
// successful checkout is announced through the checkout event, which is
// the editor's cue to flip. The prompting flag keeps the interception
// from re-triggering itself while its own prompt is open.
func (g *Guard) ModeSwitchRequested(path string) bool {
	g.mu.Lock()
	if _, open := g.opened[path]; open || !g.tracked[path] {
		g.mu.Unlock()
		return true
	}
	if g.prompting[path] {
		g.mu.Unlock()
		return false
	}
	skip := g.onceSkip[path] || g.sessionSkip[path]
	if !skip {
		g.prompting[path] = true
	}
	g.mu.Unlock()

	if skip {
		return false
	}

	go func() {
		defer g.clearPrompting(path)
		g.promptCheckout(path)
	}()
	return false
}

// confirmAndPrompt runs the authoritative open check for a file the
// cache says is synced, then prompts if that is confirmed.
func (g *Guard) confirmAndPrompt(path string) {
	st, err := g.mgr.OpenedForFile(g.ctx, path)
	if err != nil {
		g.log.Warn().Err(err).Str("path", path).Msg("open check failed")
		return
	}
	if st != nil {
		// the cache was stale; the file is already open
		g.mu.Lock()
		g.opened[path] = *st
		g.tracked[path] = true
		g.mu.Unlock()
		g.hub.EmitCheckout(eventhub.CheckoutEvent{Path: path, Change: st.Change})
		g.RequestRefresh()
		return
	}

	g.mu.Lock()
	if g.onceSkip[path] || g.sessionSkip[path] || g.prompting[path] {
		g.mu.Unlock()
		return
	}
	g.prompting[path] = true
	g.mu.Unlock()

	defer g.clearPrompting(path)
	g.promptCheckout(path)
}

func (g *Guard) clearPrompting(path string) {
	g.mu.Lock()
	delete(g.prompting, path)
	g.mu.Unlock()
}

func (g *Guard) promptCheckout(path string) {
	decision, change, err := g.prompts.AskCheckout(g.ctx, path)
	if err != nil {
		g.log.Debug().Err(err).Str("path", path).Msg("checkout prompt unanswered")
		return
	}

	switch decision {
	case prompt.CheckoutEdit:
		g.Checkout(g.ctx, path, change, false)
	case prompt.CheckoutEditAndLock:
		g.Checkout(g.ctx, path, change, true)
	case prompt.CheckoutSkipOnce:
		g.mu.Lock()
		g.onceSkip[path] = true
		g.mu.Unlock()
	case prompt.CheckoutSkipSession:
		g.mu.Lock()
		g.sessionSkip[path] = true
		g.mu.Unlock()
	}
}

// Checkout opens a file for edit, optionally locking it, updates the
// fast cache optimistically, and announces the result.
func (g *Guard) Checkout(ctx context.Context, path string, change p4.ChangeID, lock bool) error {
	if err := g.mgr.Checkout(ctx, change, path); err != nil {
		g.log.Warn().Err(err).Str("path", path).Msg("checkout failed")
		return err
	}
	if lock {
		if err := g.mgr.Lock(ctx, path); err != nil {
			g.log.Warn().Err(err).Str("path", path).Msg("lock failed")
		}
	}

	g.mu.Lock()
	g.opened[path] = p4.FileStatus{VaultPath: path, Action: p4.ActionEdit, Change: change}
	g.tracked[path] = true
	g.mu.Unlock()

	g.hub.EmitCheckout(eventhub.CheckoutEvent{Path: path, Change: change, Locked: lock})
	g.RequestRefresh()
	return nil
}

// ===== internal writes =====

// InternalWrite writes vault content without tripping the save guard;
// used for merge results and rollbacks.
func (g *Guard) InternalWrite(path string, data []byte) error {
	g.suppress(path)
	err := g.vault.WriteFile(path, data)
	g.suppress(path)
	return err
}

func (g *Guard) suppress(path string) {
	g.mu.Lock()
	g.suppressed[path] = time.Now().Add(suppressGrace)
	g.mu.Unlock()
}

func (g *Guard) isSuppressed(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.suppressed[path]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(g.suppressed, path)
		return false
	}
	return true
}

// captureSnapshot stores the synced depot content of a file as rollback
// material, skipping revisions already captured.
func (g *Guard) captureSnapshot(path string) {
	rev, err := g.mgr.HaveRev(g.ctx, path)
	if err != nil || rev == 0 {
		return
	}
	if ref, ok := g.snaps.Ref(path); ok && ref.Rev == rev {
		return
	}
	text, err := g.mgr.Print(g.ctx, path, rev)
	if err != nil {
		g.log.Debug().Err(err).Str("path", path).Msg("snapshot capture failed")
		return
	}
	if _, err := g.snaps.Put(path, rev, []byte(text)); err != nil {
		g.log.Warn().Err(err).Str("path", path).Msg("snapshot store failed")
	}
}

// ===== file-system events =====

// HandleEvent routes a watcher event into the guard.
func (g *Guard) HandleEvent(ev watcher.Event) {
	switch ev.Type {
	case watcher.EventModify:
		g.HandleWrite(ev.Path)
	case watcher.EventCreate:
		g.HandleCreate(ev.Path)
	case watcher.EventDelete:
		g.HandleDelete(ev.Path)
	case watcher.EventRename:
		g.HandleRename(ev.OldPath, ev.Path)
	}
}

// HandleWrite reacts to a local modification. The decision uses only the
// synchronous cache: by the time an authoritative round-trip resolved,
// the editor would already have flushed more state on top. A write to a
// synced file is rolled back and announced exactly once; internal writes
// are suppressed.
func (g *Guard) HandleWrite(path string) {
	if g.isSuppressed(path) {
		return
	}

	g.mu.Lock()
	_, open := g.opened[path]
	tracked := g.tracked[path]
	g.mu.Unlock()

	if open || !tracked {
		return
	}

	g.log.Warn().Str("path", path).Msg("blocked write to a file that is not checked out")
	go g.rollbackWrite(path)
}

func (g *Guard) rollbackWrite(path string) {
	content, _, err := g.snaps.Get(path)
	if errors.Is(err, store.ErrNoSnapshot) {
		// no local rollback material; fetch the synced revision
		rev, revErr := g.mgr.HaveRev(g.ctx, path)
		if revErr == nil && rev > 0 {
			if text, printErr := g.mgr.Print(g.ctx, path, rev); printErr == nil {
				content, err = []byte(text), nil
				g.snaps.Put(path, rev, content)
			}
		}
	}
	if err != nil {
		g.log.Error().Err(err).Str("path", path).Msg("cannot restore depot content")
		g.hub.EmitSaveBlocked(eventhub.SaveBlockedEvent{Path: path, Reason: "file is not checked out; depot content could not be restored"})
		return
	}

	if err := g.InternalWrite(path, content); err != nil {
		g.log.Error().Err(err).Str("path", path).Msg("rollback write failed")
		return
	}
	g.hub.EmitSaveBlocked(eventhub.SaveBlockedEvent{Path: path, Reason: "file is not checked out"})
}

// HandleCreate arms the auto-add prompt for a new local file. The timer
// is per path and replaced by further events, and re-arms on the next
// create once fired.
func (g *Guard) HandleCreate(path string) {
	g.mu.Lock()
	disabled := !g.policy.AutoAdd || g.addOptOut
	_, open := g.opened[path]
	tracked := g.tracked[path]
	g.mu.Unlock()

	if disabled || open || tracked {
		return
	}

	g.addTimersMu.Lock()
	if t, ok := g.addTimers[path]; ok {
		t.Stop()
	}
	g.addTimers[path] = time.AfterFunc(g.policy.AddDebounce, func() {
		g.addTimersMu.Lock()
		delete(g.addTimers, path)
		g.addTimersMu.Unlock()
		g.promptAdd(path)
	})
	g.addTimersMu.Unlock()
}

func (g *Guard) promptAdd(path string) {
	if !g.vault.Exists(path) {
		return
	}

	decision, change, err := g.prompts.AskAdd(g.ctx, path)
	if err != nil {
		g.log.Debug().Err(err).Str("path", path).Msg("add prompt unanswered")
		return
	}

	switch decision {
	case prompt.AddNow:
		if err := g.mgr.Add(g.ctx, change, path); err != nil {
			g.log.Warn().Err(err).Str("path", path).Msg("add failed")
			return
		}
		g.RequestRefresh()
	case prompt.AddSkipSession:
		g.mu.Lock()
		g.addOptOut = true
		g.mu.Unlock()
	}
}

// HandleDelete reacts to a local deletion. Only tracked files prompt;
// an untracked file leaving the vault is nobody's business.
func (g *Guard) HandleDelete(path string) {
	g.mu.Lock()
	tracked := g.tracked[path]
	optOut := g.delOptOut
	_, open := g.opened[path]
	g.mu.Unlock()

	if !tracked || optOut {
		if open {
			g.RequestRefresh()
		}
		return
	}

	go g.promptDelete(path)
}

func (g *Guard) promptDelete(path string) {
	decision, err := g.prompts.AskDelete(g.ctx, path)
	if err != nil {
		g.log.Debug().Err(err).Str("path", path).Msg("delete prompt unanswered")
		return
	}

	switch decision {
	case prompt.DeleteMark:
		if err := g.mgr.MarkForDelete(g.ctx, p4.DefaultChange, path); err != nil {
			g.log.Warn().Err(err).Str("path", path).Msg("mark for delete failed")
			return
		}
		g.snaps.Forget(path)
		g.RequestRefresh()
	case prompt.DeleteSkipSession:
		g.mu.Lock()
		g.delOptOut = true
		g.mu.Unlock()
	}
}

// HandleRename reacts to a local rename. A rename of an opened file
// becomes a backend move; a rename of a synced-only file is rejected and
// undone, because an un-checked-out file must not change identity behind
// the depot's back.
func (g *Guard) HandleRename(oldPath, newPath string) {
	if g.isSuppressed(oldPath) || g.isSuppressed(newPath) {
		return
	}

	g.mu.Lock()
	trackedOld := g.tracked[oldPath]
	_, openOld := g.opened[oldPath]
	_, openNew := g.opened[newPath]
	g.mu.Unlock()

	if !trackedOld {
		return
	}

	if openOld || openNew {
		go func() {
			if err := g.mgr.Move(g.ctx, oldPath, newPath); err != nil {
				g.log.Warn().Err(err).Str("from", oldPath).Str("to", newPath).Msg("backend move failed, undoing local rename")
				g.revertRename(oldPath, newPath)
				return
			}
			g.snaps.Rename(oldPath, newPath)
			g.RequestRefresh()
		}()
		return
	}

	g.log.Warn().Str("from", oldPath).Str("to", newPath).Msg("rejecting rename of a file that is not checked out")
	go g.revertRename(oldPath, newPath)
}

// revertRename moves the file back and tells the editor to fix its
// index.
func (g *Guard) revertRename(oldPath, newPath string) {
	g.suppress(oldPath)
	g.suppress(newPath)
	if err := g.vault.Rename(newPath, oldPath); err != nil {
		g.log.Error().Err(err).Str("from", newPath).Str("to", oldPath).Msg("failed to undo rename")
		return
	}
	g.suppress(oldPath)
	g.suppress(newPath)

	g.hub.EmitRenameReverted(eventhub.RenameRevertedEvent{
		OldPath: oldPath,
		NewPath: newPath,
		Reason:  "file is not checked out",
	})
}
