package p4

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyText(t *testing.T) {
	cases := []struct {
		name string
		text string
		want ErrKind
	}{
		{"invalid password", "Perforce password (P4PASSWD) invalid or unset.", ErrNotAuthenticated},
		{"expired session", "Your session has expired, please login again.", ErrNotAuthenticated},
		{"server down", "Connect to server failed; check $P4PORT.", ErrToolUnavailable},
		{"outside client", "Path /tmp/x is not under the client's root '/srv/ws'.", ErrNotInWorkspace},
		{"no client spec", "Client 'host' unknown - use 'client' command to create it.", ErrNotInWorkspace},
		{"nothing to resolve", "/vault/... - no file(s) to resolve.", ErrBenignEmpty},
		{"not opened", "/vault/a.md - file(s) not opened on this client.", ErrBenignEmpty},
		{"already synced", "/vault/... - file(s) up-to-date.", ErrBenignEmpty},
		{"unknown failure", "something unexpected happened", ErrOperation},
		{"auth beats benign", "Perforce password (P4PASSWD) invalid or unset.\n/vault/a.md - no such file(s).", ErrNotAuthenticated},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyText(tc.text); got != tc.want {
				t.Errorf("classifyText(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestIsFatalStderr(t *testing.T) {
	fatal := []string{
		"error: cannot contact the server",
		"fatal: unrecoverable state",
		"User mord4r not logged in.",
		"Connect to server failed; check $P4PORT.",
	}
	for _, s := range fatal {
		if !isFatalStderr(s) {
			t.Errorf("expected %q to be fatal", s)
		}
	}

	informational := []string{
		"//depot/notes/a.md - opened for edit",
		"some progress chatter",
	}
	for _, s := range informational {
		if isFatalStderr(s) {
			t.Errorf("expected %q to be tolerated", s)
		}
	}
}

func TestCommandErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &CommandError{Kind: ErrTimeout, Op: "sync", Message: "timed out", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("Unwrap must expose the underlying error")
	}
	if KindOf(fmt.Errorf("wrapped: %w", err)) != ErrTimeout {
		t.Error("KindOf must see through wrapping")
	}
	if KindOf(errors.New("plain")) != ErrOperation {
		t.Error("non-command errors default to operation failures")
	}
}

func TestKindPredicates(t *testing.T) {
	if IsBenignEmpty(nil) || IsTimeout(nil) || IsAuthError(nil) || IsUnavailable(nil) {
		t.Error("predicates must be false for nil")
	}

	benign := &CommandError{Kind: ErrBenignEmpty, Op: "opened", Message: "file(s) not opened on this client."}
	if !IsBenignEmpty(benign) {
		t.Error("expected benign-empty to be recognized")
	}
	if IsTimeout(benign) {
		t.Error("benign-empty is not a timeout")
	}
}
