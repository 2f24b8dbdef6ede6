// app.go
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"p4vault/internal/blame"
	"p4vault/internal/config"
	"p4vault/internal/eventhub"
	"p4vault/internal/guard"
	"p4vault/internal/logging"
	"p4vault/internal/p4"
	"p4vault/internal/paths"
	"p4vault/internal/prompt"
	"p4vault/internal/store"
	"p4vault/internal/vault"
	"p4vault/internal/watcher"
)

// Connection states reported to the frontend.
const (
	connConnected    = "connected"
	connDegraded     = "degraded"     // server answered but the session is unusable (login, wrong workspace)
	connDisconnected = "disconnected" // tool or server unreachable
)

// App contains the core application state and managers. Its exported
// methods (bindings.go) are the RPC surface the frontend calls.
type App struct {
	ctx    context.Context
	mu     sync.RWMutex
	config *config.Config
	log    zerolog.Logger

	// Core managers
	translator   *paths.Translator
	vaultFS      *vault.Vault
	files        *guard.Files
	runner       *p4.Runner
	p4Manager    *p4.Manager
	snapshots    *store.SnapshotStore
	blameCache   *blame.Cache
	editGuard    *guard.Guard
	promptCenter *prompt.Center
	eventHub     *eventhub.EventHub
	vaultWatcher *watcher.Watcher

	connState string
	connError string
}

// NewApp creates an App around a loaded configuration.
func NewApp(cfg *config.Config) *App {
	return &App{config: cfg, connState: connDisconnected}
}

// Startup builds every manager and starts the vault watcher. A missing
// vault root or an unusable snapshot directory is fatal; an unreachable
// Perforce server is not, the session starts degraded and recovers on
// login or Reconnect.
func (a *App) Startup(ctx context.Context) error {
	a.ctx = ctx
	a.log = logging.GetLogger("app")

	root, err := a.resolveVaultRoot()
	if err != nil {
		return err
	}

	a.translator = paths.NewTranslator(root)
	a.vaultFS = vault.New(a.translator)

	// Files is bound to the guard after the guard exists; the manager
	// needs the store now so depot writes route through suppression.
	a.files = guard.NewFiles(a.vaultFS)

	s := a.config.Settings
	a.runner = p4.NewRunner(p4.Settings{
		Executable:     s.P4.Executable,
		Port:           s.P4.Port,
		User:           s.P4.User,
		Client:         s.P4.Client,
		Dir:            root,
		CommandTimeout: s.CommandTimeout(),
	})
	a.p4Manager = p4.NewManager(a.runner, a.translator, a.files)

	snaps, err := store.NewSnapshotStore(a.config.SnapshotDir, 3)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	a.snapshots = snaps

	a.eventHub = eventhub.New()
	a.promptCenter = prompt.NewCenter()

	a.editGuard = guard.New(ctx, a.p4Manager, a.vaultFS, a.snapshots, a.eventHub, a.promptCenter, guard.Policy{
		AutoAdd:     s.AutoAdd,
		AddDebounce: s.AddDebounce(),
	})
	a.files.Bind(a.editGuard)

	a.blameCache = blame.NewCache(a.p4Manager)

	w, err := watcher.New(a.translator, 200*time.Millisecond, a.handleVaultEvent)
	if err != nil {
		return fmt.Errorf("failed to watch vault: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to watch vault: %w", err)
	}
	a.vaultWatcher = w

	go a.connect()

	a.log.Info().Str("vault", root).Msg("p4vault started")
	return nil
}

// Shutdown stops the watcher and releases the managers.
func (a *App) Shutdown(ctx context.Context) {
	if a.vaultWatcher != nil {
		a.vaultWatcher.Close()
	}

	if a.editGuard != nil {
		a.editGuard.Close()
	}

	if a.blameCache != nil {
		a.blameCache.Close()
	}

	a.log.Info().Msg("p4vault shutdown complete")
}

func (a *App) resolveVaultRoot() (string, error) {
	root := a.config.Settings.VaultRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("vault root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("vault root %s is not a directory", abs)
	}
	return abs, nil
}

// handleVaultEvent fans a watcher event out to the guard and drops
// stale blame entries for the touched paths.
func (a *App) handleVaultEvent(ev watcher.Event) {
	a.editGuard.HandleEvent(ev)

	switch ev.Type {
	case watcher.EventModify, watcher.EventDelete:
		a.blameCache.Invalidate(ev.Path)
	case watcher.EventRename:
		a.blameCache.Invalidate(ev.OldPath)
		a.blameCache.Invalidate(ev.Path)
	}
}

// connect probes the server and publishes the resulting connection
// state. Probe failure never kills the daemon; the frontend decides
// whether to surface a login dialog or a banner.
func (a *App) connect() {
	info, err := a.p4Manager.Connect(a.ctx)

	state := connConnected
	msg := ""
	switch {
	case err == nil:
	case p4.IsUnavailable(err):
		state = connDisconnected
		msg = err.Error()
	default:
		state = connDegraded
		msg = err.Error()
	}

	a.mu.Lock()
	a.connState = state
	a.connError = msg
	a.mu.Unlock()

	a.eventHub.EmitConnectionChanged(eventhub.ConnectionChangedEvent{
		State: state,
		Info:  info,
		Error: msg,
	})

	if state != connConnected {
		a.log.Warn().Str("state", state).Str("error", msg).Msg("workspace not connected")
		return
	}

	if err := a.editGuard.RefreshNow(a.ctx); err != nil {
		a.log.Warn().Err(err).Msg("initial status refresh failed")
	}
}

// connectionState returns the last probe outcome.
func (a *App) connectionState() (string, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connState, a.connError
}

// SetEventHubBroadcaster points the event hub at the WebSocket server
// once it exists.
func (a *App) SetEventHubBroadcaster(broadcaster eventhub.Broadcaster) {
	if a.eventHub != nil {
		a.eventHub.SetBroadcaster(broadcaster)
	}
}

// PromptCenter exposes the modal broker for the server wiring in main.
func (a *App) PromptCenter() *prompt.Center {
	return a.promptCenter
}
