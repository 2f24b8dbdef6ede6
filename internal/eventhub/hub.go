package eventhub

import (
	"sync"

	"p4vault/internal/p4"
)

// Broadcaster delivers events to connected frontends.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub is the single dispatch point for backend events. Components
// emit through it; the websocket server broadcasts to subscribers.
// Emits before a broadcaster is wired are dropped.
type EventHub struct {
	mu          sync.RWMutex
	broadcaster Broadcaster
}

func New() *EventHub {
	return &EventHub{}
}

// SetBroadcaster wires the websocket broadcaster once it exists.
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = b
}

func (h *EventHub) emit(eventName string, payload interface{}) {
	h.mu.RLock()
	b := h.broadcaster
	h.mu.RUnlock()
	if b != nil {
		b.BroadcastEvent(eventName, payload)
	}
}

// Emit sends an arbitrary event.
func (h *EventHub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// StatusChangedEvent carries the fresh opened-files snapshot after an
// authoritative refresh.
type StatusChangedEvent struct {
	Opened []p4.FileStatus `json:"opened"`
	Reason string          `json:"reason,omitempty"`
}

func (h *EventHub) EmitStatusChanged(event StatusChangedEvent) {
	h.emit("vcs:status-changed", event)
}

// EmitRefresh asks dependents to re-pull state at their convenience;
// listeners may coalesce bursts.
func (h *EventHub) EmitRefresh() {
	h.emit("vcs:refresh", nil)
}

// EmitRefreshNow asks dependents to re-pull immediately; used for
// explicit user-triggered refreshes that must never be dropped.
func (h *EventHub) EmitRefreshNow() {
	h.emit("vcs:refresh-now", nil)
}

// SaveBlockedEvent reports a write to a read-only tracked file that was
// rolled back.
type SaveBlockedEvent struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (h *EventHub) EmitSaveBlocked(event SaveBlockedEvent) {
	h.emit("vcs:save-blocked", event)
}

// RenameRevertedEvent reports a local rename that was moved back because
// the file was not checked out.
type RenameRevertedEvent struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	Reason  string `json:"reason"`
}

func (h *EventHub) EmitRenameReverted(event RenameRevertedEvent) {
	h.emit("vcs:rename-reverted", event)
}

// ConnectionChangedEvent reports workspace connectivity transitions.
type ConnectionChangedEvent struct {
	State string         `json:"state"` // "connected", "degraded", "disconnected"
	Info  *p4.ServerInfo `json:"info,omitempty"`
	Error string         `json:"error,omitempty"`
}

func (h *EventHub) EmitConnectionChanged(event ConnectionChangedEvent) {
	h.emit("vcs:connection-changed", event)
}

// CheckoutEvent reports a file opened for edit so the editor can flip
// its presentation.
type CheckoutEvent struct {
	Path   string      `json:"path"`
	Change p4.ChangeID `json:"change"`
	Locked bool        `json:"locked"`
}

func (h *EventHub) EmitCheckout(event CheckoutEvent) {
	h.emit("vcs:checkout", event)
}

// SyncedEvent reports files updated by a workspace sync.
type SyncedEvent struct {
	Files []p4.SyncedFile `json:"files"`
}

func (h *EventHub) EmitSynced(event SyncedEvent) {
	h.emit("vcs:synced", event)
}
