package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"p4vault/internal/eventhub"
	"p4vault/internal/p4"
	"p4vault/internal/paths"
	"p4vault/internal/prompt"
	"p4vault/internal/store"
	"p4vault/internal/vault"
)

func writeFakeTool(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool scripts require a POSIX shell")
	}

	script := "#!/bin/sh\necho \"$*\" >> \"" + filepath.Join(dir, "calls.log") + "\"\n" + body + "\n"
	exe := filepath.Join(dir, "p4")
	if err := os.WriteFile(exe, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake p4: %v", err)
	}
	return exe
}

func toolCalls(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "calls.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("failed to read call log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// rejectAll is the tool body for tests whose flow must not reach p4.
func rejectAll(string) string {
	return `echo "unexpected invocation: $*" >&2
exit 1`
}

type busEvent struct {
	name    string
	payload interface{}
}

type recordingBus struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *recordingBus) BroadcastEvent(name string, payload interface{}) {
	b.mu.Lock()
	b.events = append(b.events, busEvent{name, payload})
	b.mu.Unlock()
}

func (b *recordingBus) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.name == name {
			n++
		}
	}
	return n
}

func (b *recordingBus) waitFor(t *testing.T, name string) busEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		for _, ev := range b.events {
			if ev.name == name {
				b.mu.Unlock()
				return ev
			}
		}
		b.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %q event observed", name)
	return busEvent{}
}

// scriptedPrompts answers every prompt with a fixed decision, or swallows
// them when silent.
type scriptedPrompts struct {
	center *prompt.Center

	mu       sync.Mutex
	requests []prompt.Request
	decision string
	change   p4.ChangeID
	silent   bool
}

func (s *scriptedPrompts) SendPrompt(req prompt.Request) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	decision, change, silent := s.decision, s.change, s.silent
	s.mu.Unlock()

	if silent {
		return nil
	}
	go s.center.Resolve(prompt.Response{ID: req.ID, Decision: decision, Change: change})
	return nil
}

func (s *scriptedPrompts) script(decision string, change p4.ChangeID) {
	s.mu.Lock()
	s.decision = decision
	s.change = change
	s.mu.Unlock()
}

func (s *scriptedPrompts) asked() []prompt.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]prompt.Request(nil), s.requests...)
}

type fixture struct {
	guard    *Guard
	vault    *vault.Vault
	snaps    *store.SnapshotStore
	bus      *recordingBus
	prompts  *scriptedPrompts
	toolDir  string
	vaultDir string
}

func newFixture(t *testing.T, policy Policy, body func(vaultDir string) string) *fixture {
	t.Helper()
	toolDir, vaultDir := t.TempDir(), t.TempDir()
	exe := writeFakeTool(t, toolDir, body(vaultDir))

	tr := paths.NewTranslator(vaultDir)
	vlt := vault.New(tr)
	files := NewFiles(vlt)
	runner := p4.NewRunner(p4.Settings{Executable: exe, Dir: vaultDir, CommandTimeout: 5 * time.Second})
	mgr := p4.NewManager(runner, tr, files)

	snaps, err := store.NewSnapshotStore(filepath.Join(t.TempDir(), "snapshots"), 3)
	if err != nil {
		t.Fatalf("failed to open snapshot store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := eventhub.New()
	bus := &recordingBus{}
	hub.SetBroadcaster(bus)

	center := prompt.NewCenter()
	sp := &scriptedPrompts{center: center}
	center.SetSender(sp)

	g := New(ctx, mgr, vlt, snaps, hub, center, policy)
	files.Bind(g)
	t.Cleanup(g.Close)

	return &fixture{guard: g, vault: vlt, snaps: snaps, bus: bus, prompts: sp, toolDir: toolDir, vaultDir: vaultDir}
}

// seed plants cache state directly, standing in for an earlier refresh.
func (f *fixture) seed(path string, state FileState) {
	f.guard.mu.Lock()
	defer f.guard.mu.Unlock()
	switch state {
	case StateOpen:
		f.guard.opened[path] = p4.FileStatus{VaultPath: path, Action: p4.ActionEdit}
		f.guard.tracked[path] = true
	case StateSynced:
		f.guard.tracked[path] = true
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRefreshReplacesStateWholesale(t *testing.T) {
	f := newFixture(t, Policy{}, func(vault string) string {
		return fmt.Sprintf(`case "$*" in
"-ztag -Mj opened")
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/a.md","clientFile":"%s/a.md","action":"edit","change":"5","type":"text","rev":"3","haveRev":"3"}'
  ;;
"-ztag -Mj have %s/...")
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/a.md","haveRev":"3","path":"%s/a.md"}'
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/b.md","haveRev":"7","path":"%s/b.md"}'
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault, vault, vault, vault)
	})
	f.seed("stale.md", StateOpen)

	if err := f.guard.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if got := f.guard.State("a.md"); got != StateOpen {
		t.Errorf("a.md should be open, got %s", got)
	}
	if got := f.guard.State("b.md"); got != StateSynced {
		t.Errorf("b.md should be synced, got %s", got)
	}
	if got := f.guard.State("stale.md"); got != StateUntracked {
		t.Errorf("stale entry must not survive a refresh, got %s", got)
	}

	ev := f.bus.waitFor(t, "vcs:status-changed")
	status, ok := ev.payload.(eventhub.StatusChangedEvent)
	if !ok {
		t.Fatalf("unexpected payload type %T", ev.payload)
	}
	if len(status.Opened) != 1 || status.Opened[0].VaultPath != "a.md" {
		t.Errorf("unexpected opened snapshot: %+v", status.Opened)
	}
}

func TestWriteToSyncedFileIsRolledBack(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.seed("notes/b.md", StateSynced)

	depot := []byte("# Synced\n\ndepot content\n")
	if _, err := f.snaps.Put("notes/b.md", 3, depot); err != nil {
		t.Fatalf("seeding snapshot failed: %v", err)
	}
	if err := f.vault.WriteFile("notes/b.md", depot); err != nil {
		t.Fatalf("seeding vault file failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(f.vaultDir, "notes", "b.md"), []byte("sneaky edit"), 0o644); err != nil {
		t.Fatalf("local write failed: %v", err)
	}
	f.guard.HandleWrite("notes/b.md")

	ev := f.bus.waitFor(t, "vcs:save-blocked")
	blocked, ok := ev.payload.(eventhub.SaveBlockedEvent)
	if !ok || blocked.Path != "notes/b.md" {
		t.Errorf("unexpected save-blocked payload: %+v", ev.payload)
	}

	got, err := f.vault.ReadFile("notes/b.md")
	if err != nil {
		t.Fatalf("reading restored file failed: %v", err)
	}
	if string(got) != string(depot) {
		t.Errorf("content not restored: got %q", got)
	}

	time.Sleep(150 * time.Millisecond)
	if n := f.bus.count("vcs:save-blocked"); n != 1 {
		t.Errorf("expected exactly one notification, got %d", n)
	}
}

func TestWriteToOpenedFileIsAllowed(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.seed("a.md", StateOpen)

	if err := f.vault.WriteFile("a.md", []byte("my edit")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.guard.HandleWrite("a.md")
	f.guard.HandleWrite("untracked.md")

	time.Sleep(100 * time.Millisecond)
	if n := f.bus.count("vcs:save-blocked"); n != 0 {
		t.Errorf("opened and untracked files must not be guarded, got %d notifications", n)
	}
	got, _ := f.vault.ReadFile("a.md")
	if string(got) != "my edit" {
		t.Errorf("edit was clobbered: %q", got)
	}
}

func TestInternalWriteBypassesGuard(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.seed("b.md", StateSynced)
	f.snaps.Put("b.md", 2, []byte("depot"))

	if err := f.guard.InternalWrite("b.md", []byte("merge result")); err != nil {
		t.Fatalf("internal write failed: %v", err)
	}
	f.guard.HandleWrite("b.md")

	time.Sleep(100 * time.Millisecond)
	if n := f.bus.count("vcs:save-blocked"); n != 0 {
		t.Errorf("internal write must not be blocked, got %d notifications", n)
	}
	got, _ := f.vault.ReadFile("b.md")
	if string(got) != "merge result" {
		t.Errorf("internal write was rolled back: %q", got)
	}
}

func TestRollbackFetchesDepotContentWhenNoSnapshot(t *testing.T) {
	f := newFixture(t, Policy{}, func(vault string) string {
		return fmt.Sprintf(`case "$*" in
"-ztag -Mj fstat -T haveRev %s/c.md")
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/c.md","haveRev":"4"}'
  ;;
"print -q %s/c.md#4")
  printf 'depot head content\n'
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault, vault)
	})
	f.seed("c.md", StateSynced)

	if err := f.vault.WriteFile("c.md", []byte("local damage")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// the watcher event for the seed write has no analogue here; the
	// guard only sees the one we hand it
	f.guard.HandleWrite("c.md")

	f.bus.waitFor(t, "vcs:save-blocked")
	got, err := f.vault.ReadFile("c.md")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "depot head content\n" {
		t.Errorf("depot content not restored: %q", got)
	}
	if !f.snaps.Has("c.md") {
		t.Error("fetched content should have been captured as a snapshot")
	}
}

func TestModeSwitchDeniedThenCheckoutFlips(t *testing.T) {
	f := newFixture(t, Policy{}, func(vault string) string {
		return fmt.Sprintf(`case "$*" in
"edit %s/d.md")
  printf '//depot/vault/d.md#3 - opened for edit\n'
  ;;
"-ztag -Mj opened")
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/d.md","clientFile":"%s/d.md","action":"edit","change":"default","type":"text","rev":"3","haveRev":"3"}'
  ;;
"-ztag -Mj have %s/...")
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/d.md","haveRev":"3","path":"%s/d.md"}'
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault, vault, vault, vault)
	})
	f.seed("d.md", StateSynced)
	f.prompts.script(string(prompt.CheckoutEdit), p4.DefaultChange)

	if f.guard.ModeSwitchRequested("d.md") {
		t.Fatal("switching a synced file to editable must be denied")
	}

	ev := f.bus.waitFor(t, "vcs:checkout")
	co, ok := ev.payload.(eventhub.CheckoutEvent)
	if !ok || co.Path != "d.md" {
		t.Errorf("unexpected checkout payload: %+v", ev.payload)
	}
	if got := f.guard.State("d.md"); got != StateOpen {
		t.Errorf("file should be open after checkout, got %s", got)
	}

	asked := f.prompts.asked()
	if len(asked) != 1 || asked[0].Kind != prompt.KindCheckout || asked[0].Path != "d.md" {
		t.Errorf("unexpected prompt: %+v", asked)
	}
}

func TestModeSwitchAllowedForOpenedAndUntracked(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.seed("open.md", StateOpen)

	if !f.guard.ModeSwitchRequested("open.md") {
		t.Error("opened files switch freely")
	}
	if !f.guard.ModeSwitchRequested("untracked.md") {
		t.Error("untracked files switch freely")
	}
	if len(f.prompts.asked()) != 0 {
		t.Errorf("no prompt expected, got %+v", f.prompts.asked())
	}
}

func TestModeSwitchDoesNotRetriggerWhilePromptOpen(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.seed("e.md", StateSynced)
	f.prompts.silent = true

	if f.guard.ModeSwitchRequested("e.md") {
		t.Fatal("first request must be denied")
	}
	waitUntil(t, func() bool { return len(f.prompts.asked()) == 1 }, "prompt never sent")

	if f.guard.ModeSwitchRequested("e.md") {
		t.Error("second request must also be denied")
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(f.prompts.asked()); n != 1 {
		t.Errorf("re-entrant request spawned another prompt: %d", n)
	}
}

func TestSkipOnceLastsUntilReopen(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.seed("e.md", StateSynced)
	f.prompts.script(string(prompt.CheckoutSkipOnce), p4.DefaultChange)

	f.guard.ModeSwitchRequested("e.md")
	waitUntil(t, func() bool {
		f.guard.mu.Lock()
		defer f.guard.mu.Unlock()
		return f.guard.onceSkip["e.md"]
	}, "skip-once never recorded")

	if f.guard.ModeSwitchRequested("e.md") {
		t.Error("file is still synced, switch stays denied")
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(f.prompts.asked()); n != 1 {
		t.Fatalf("skip-once must silence further prompts, got %d", n)
	}

	f.guard.FileClosed("e.md")
	f.guard.ModeSwitchRequested("e.md")
	waitUntil(t, func() bool { return len(f.prompts.asked()) == 2 }, "reopening must prompt again")
}

func TestSkipSessionSurvivesReopen(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.seed("e.md", StateSynced)
	f.prompts.script(string(prompt.CheckoutSkipSession), p4.DefaultChange)

	f.guard.ModeSwitchRequested("e.md")
	waitUntil(t, func() bool {
		f.guard.mu.Lock()
		defer f.guard.mu.Unlock()
		return f.guard.sessionSkip["e.md"]
	}, "skip-session never recorded")

	f.guard.FileClosed("e.md")
	f.guard.ModeSwitchRequested("e.md")
	time.Sleep(100 * time.Millisecond)
	if n := len(f.prompts.asked()); n != 1 {
		t.Errorf("skip-session must span reopens, got %d prompts", n)
	}
}

func TestFileOpenedForcesReadOnlyBeforeConfirm(t *testing.T) {
	f := newFixture(t, Policy{}, func(vault string) string {
		return fmt.Sprintf(`case "$*" in
"-ztag -Mj opened %s/f.md")
  :
  ;;
"-ztag -Mj fstat -T haveRev %s/f.md")
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/f.md","haveRev":"2"}'
  ;;
"print -q %s/f.md#2")
  printf 'rollback material\n'
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault, vault, vault)
	})
	f.seed("f.md", StateSynced)
	f.prompts.silent = true

	directive := f.guard.FileOpened("f.md")
	if !directive.ReadOnly || directive.State != StateSynced {
		t.Errorf("synced file must open read-only immediately: %+v", directive)
	}

	// the authoritative check confirms it is not open, so a prompt follows
	waitUntil(t, func() bool { return len(f.prompts.asked()) == 1 }, "confirmation never prompted")
	// and the synced revision gets captured as rollback material
	waitUntil(t, func() bool { return f.snaps.Has("f.md") }, "snapshot never captured")

	plain := f.guard.FileOpened("untracked.md")
	if plain.ReadOnly {
		t.Error("untracked files open editable")
	}
}

func TestFileOpenedStaleCacheLearnsFileIsOpen(t *testing.T) {
	f := newFixture(t, Policy{}, func(vault string) string {
		record := fmt.Sprintf(`{"code":"stat","depotFile":"//depot/vault/g.md","clientFile":"%s/g.md","action":"edit","change":"9","type":"text","rev":"1","haveRev":"1"}`, vault)
		return fmt.Sprintf(`case "$*" in
"-ztag -Mj opened %s/g.md")
  printf '%%s\n' '%s'
  ;;
"-ztag -Mj opened")
  printf '%%s\n' '%s'
  ;;
"-ztag -Mj have %s/...")
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/g.md","haveRev":"1","path":"%s/g.md"}'
  ;;
"-ztag -Mj fstat -T haveRev %s/g.md")
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/g.md","haveRev":"1"}'
  ;;
"print -q %s/g.md#1")
  printf 'content\n'
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault, record, record, vault, vault, vault, vault)
	})
	f.seed("g.md", StateSynced)

	directive := f.guard.FileOpened("g.md")
	if !directive.ReadOnly {
		t.Error("the stale cache still wins the synchronous decision")
	}

	ev := f.bus.waitFor(t, "vcs:checkout")
	co := ev.payload.(eventhub.CheckoutEvent)
	if co.Path != "g.md" || co.Change != 9 {
		t.Errorf("unexpected checkout payload: %+v", co)
	}
	if got := f.guard.State("g.md"); got != StateOpen {
		t.Errorf("cache should be corrected to open, got %s", got)
	}
	if n := len(f.prompts.asked()); n != 0 {
		t.Errorf("no prompt when the file turns out to be open, got %d", n)
	}
}

func TestCreatePromptsForAddInTargetChangelist(t *testing.T) {
	f := newFixture(t, Policy{AutoAdd: true, AddDebounce: 30 * time.Millisecond}, func(vault string) string {
		return fmt.Sprintf(`case "$*" in
"add -c 7 %s/new.md")
  printf '//depot/vault/new.md#1 - opened for add\n'
  ;;
"-ztag -Mj opened")
  :
  ;;
"-ztag -Mj have %s/...")
  :
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault, vault)
	})
	f.prompts.script(string(prompt.AddNow), p4.ChangeID(7))

	if err := f.vault.WriteFile("new.md", []byte("fresh note")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.guard.HandleCreate("new.md")

	waitUntil(t, func() bool {
		for _, call := range toolCalls(t, f.toolDir) {
			if strings.HasPrefix(call, "add -c 7 ") {
				return true
			}
		}
		return false
	}, "file never opened for add")

	asked := f.prompts.asked()
	if len(asked) != 1 || asked[0].Kind != prompt.KindAdd {
		t.Errorf("unexpected prompt: %+v", asked)
	}
}

func TestCreateDebounceReplacesTimer(t *testing.T) {
	f := newFixture(t, Policy{AutoAdd: true, AddDebounce: 80 * time.Millisecond}, rejectAll)
	f.prompts.silent = true

	if err := f.vault.WriteFile("burst.md", []byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.guard.HandleCreate("burst.md")
	time.Sleep(40 * time.Millisecond)
	f.guard.HandleCreate("burst.md")

	waitUntil(t, func() bool { return len(f.prompts.asked()) == 1 }, "add prompt never fired")
	time.Sleep(200 * time.Millisecond)
	if n := len(f.prompts.asked()); n != 1 {
		t.Errorf("replaced timer must not fire twice, got %d prompts", n)
	}
}

func TestCreateIgnoredWhenAutoAddDisabled(t *testing.T) {
	f := newFixture(t, Policy{AutoAdd: false, AddDebounce: 20 * time.Millisecond}, rejectAll)

	f.vault.WriteFile("new.md", []byte("x"))
	f.guard.HandleCreate("new.md")

	time.Sleep(100 * time.Millisecond)
	if n := len(f.prompts.asked()); n != 0 {
		t.Errorf("auto-add is off, got %d prompts", n)
	}
}

func TestCreateSkipSessionSilencesFurtherPrompts(t *testing.T) {
	f := newFixture(t, Policy{AutoAdd: true, AddDebounce: 20 * time.Millisecond}, rejectAll)
	f.prompts.script(string(prompt.AddSkipSession), p4.DefaultChange)

	f.vault.WriteFile("one.md", []byte("x"))
	f.guard.HandleCreate("one.md")
	waitUntil(t, func() bool {
		f.guard.mu.Lock()
		defer f.guard.mu.Unlock()
		return f.guard.addOptOut
	}, "session opt-out never recorded")

	f.vault.WriteFile("two.md", []byte("y"))
	f.guard.HandleCreate("two.md")
	time.Sleep(100 * time.Millisecond)
	if n := len(f.prompts.asked()); n != 1 {
		t.Errorf("opted out for the session, got %d prompts", n)
	}
}

func TestCreateVanishedFileSkipsPrompt(t *testing.T) {
	f := newFixture(t, Policy{AutoAdd: true, AddDebounce: 20 * time.Millisecond}, rejectAll)

	// never written to disk: the editor created and removed it within
	// the debounce window
	f.guard.HandleCreate("ephemeral.md")

	time.Sleep(100 * time.Millisecond)
	if n := len(f.prompts.asked()); n != 0 {
		t.Errorf("vanished file must not prompt, got %d", n)
	}
}

func TestDeletePromptMarksForDelete(t *testing.T) {
	f := newFixture(t, Policy{}, func(vault string) string {
		return fmt.Sprintf(`case "$*" in
"delete %s/gone.md")
  printf '//depot/vault/gone.md#2 - opened for delete\n'
  ;;
"-ztag -Mj opened")
  :
  ;;
"-ztag -Mj have %s/...")
  :
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault, vault)
	})
	f.seed("gone.md", StateSynced)
	f.snaps.Put("gone.md", 2, []byte("old content"))
	f.prompts.script(string(prompt.DeleteMark), p4.DefaultChange)

	f.guard.HandleDelete("gone.md")

	waitUntil(t, func() bool {
		for _, call := range toolCalls(t, f.toolDir) {
			if strings.HasPrefix(call, "delete ") {
				return true
			}
		}
		return false
	}, "file never marked for delete")
	waitUntil(t, func() bool { return !f.snaps.Has("gone.md") }, "snapshot should be forgotten")
}

func TestDeleteUntrackedIsNobodysBusiness(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)

	f.guard.HandleDelete("scratch.md")

	time.Sleep(100 * time.Millisecond)
	if n := len(f.prompts.asked()); n != 0 {
		t.Errorf("untracked deletion must not prompt, got %d", n)
	}
}

func TestDeleteSkipSessionSilencesFurtherPrompts(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.seed("one.md", StateSynced)
	f.seed("two.md", StateSynced)
	f.prompts.script(string(prompt.DeleteSkipSession), p4.DefaultChange)

	f.guard.HandleDelete("one.md")
	waitUntil(t, func() bool {
		f.guard.mu.Lock()
		defer f.guard.mu.Unlock()
		return f.guard.delOptOut
	}, "session opt-out never recorded")

	f.guard.HandleDelete("two.md")
	time.Sleep(100 * time.Millisecond)
	if n := len(f.prompts.asked()); n != 1 {
		t.Errorf("opted out for the session, got %d prompts", n)
	}
}

func TestRenameOfSyncedFileIsRevertedAndAnnounced(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.seed("old.md", StateSynced)

	// the local rename already happened when the event arrives
	if err := f.vault.WriteFile("renamed.md", []byte("same content")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.guard.HandleRename("old.md", "renamed.md")

	ev := f.bus.waitFor(t, "vcs:rename-reverted")
	rr := ev.payload.(eventhub.RenameRevertedEvent)
	if rr.OldPath != "old.md" || rr.NewPath != "renamed.md" {
		t.Errorf("unexpected payload: %+v", rr)
	}

	waitUntil(t, func() bool { return f.vault.Exists("old.md") && !f.vault.Exists("renamed.md") }, "file never moved back")
	got, _ := f.vault.ReadFile("old.md")
	if string(got) != "same content" {
		t.Errorf("content lost during revert: %q", got)
	}
}

func TestRenameOfOpenedFileMovesInBackend(t *testing.T) {
	f := newFixture(t, Policy{}, func(vault string) string {
		return fmt.Sprintf(`case "$*" in
"-ztag -Mj opened %s/old.md")
  printf '%%s\n' '{"code":"stat","depotFile":"//depot/vault/old.md","clientFile":"%s/old.md","action":"edit","change":"default","type":"text","rev":"2","haveRev":"2"}'
  ;;
"move %s/old.md %s/new.md")
  printf '//depot/vault/new.md#1 - moved from //depot/vault/old.md#2\n'
  ;;
"-ztag -Mj opened")
  :
  ;;
"-ztag -Mj have %s/...")
  :
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault, vault, vault, vault, vault)
	})
	f.seed("old.md", StateOpen)
	f.snaps.Put("old.md", 2, []byte("tracked content"))

	f.guard.HandleRename("old.md", "new.md")

	waitUntil(t, func() bool {
		for _, call := range toolCalls(t, f.toolDir) {
			if strings.HasPrefix(call, "move ") {
				return true
			}
		}
		return false
	}, "backend move never ran")
	waitUntil(t, func() bool { return f.snaps.Has("new.md") && !f.snaps.Has("old.md") }, "snapshot ref should follow the rename")

	time.Sleep(50 * time.Millisecond)
	if n := f.bus.count("vcs:rename-reverted"); n != 0 {
		t.Errorf("opened-file rename must not be reverted, got %d events", n)
	}
}

func TestRefreshRequestsCoalesce(t *testing.T) {
	f := newFixture(t, Policy{}, func(vault string) string {
		return fmt.Sprintf(`case "$*" in
"-ztag -Mj opened")
  :
  ;;
"-ztag -Mj have %s/...")
  :
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault)
	})

	f.guard.RequestRefresh()
	f.guard.RequestRefresh()
	f.guard.RequestRefresh()

	f.bus.waitFor(t, "vcs:refresh")
	time.Sleep(200 * time.Millisecond)

	statusCalls := 0
	for _, call := range toolCalls(t, f.toolDir) {
		if call == "-ztag -Mj opened" {
			statusCalls++
		}
	}
	if statusCalls != 1 {
		t.Errorf("burst of requests must coalesce into one refresh, got %d", statusCalls)
	}
}

func TestRefreshNowSupersedesScheduledRefresh(t *testing.T) {
	f := newFixture(t, Policy{}, func(vault string) string {
		return fmt.Sprintf(`case "$*" in
"-ztag -Mj opened")
  :
  ;;
"-ztag -Mj have %s/...")
  :
  ;;
*)
  echo "unexpected invocation: $*" >&2
  exit 1
  ;;
esac`, vault)
	})

	f.guard.RequestRefresh()
	if err := f.guard.RefreshNow(context.Background()); err != nil {
		t.Fatalf("RefreshNow failed: %v", err)
	}
	f.bus.waitFor(t, "vcs:refresh-now")

	// the debounced request must have been cancelled, not queued behind
	time.Sleep(700 * time.Millisecond)
	statusCalls := 0
	for _, call := range toolCalls(t, f.toolDir) {
		if call == "-ztag -Mj opened" {
			statusCalls++
		}
	}
	if statusCalls != 1 {
		t.Errorf("expected a single immediate refresh, got %d", statusCalls)
	}
}

func TestClearSkipsResetsAllOptOuts(t *testing.T) {
	f := newFixture(t, Policy{}, rejectAll)
	f.guard.mu.Lock()
	f.guard.onceSkip["a.md"] = true
	f.guard.sessionSkip["b.md"] = true
	f.guard.addOptOut = true
	f.guard.delOptOut = true
	f.guard.mu.Unlock()

	f.guard.ClearSkips()

	f.guard.mu.Lock()
	defer f.guard.mu.Unlock()
	if len(f.guard.onceSkip) != 0 || len(f.guard.sessionSkip) != 0 || f.guard.addOptOut || f.guard.delOptOut {
		t.Error("opt-outs survived ClearSkips")
	}
}
