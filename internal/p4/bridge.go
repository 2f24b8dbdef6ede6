package p4

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"p4vault/internal/logging"
)

const (
	// DefaultTimeout is the wall-clock limit for normal operations.
	DefaultTimeout = 30 * time.Second
	// ProbeTimeout is the limit for availability probes; a probe that is
	// slower than this is as good as a dead server for the editor.
	ProbeTimeout = 5 * time.Second
)

// Settings is the invocation configuration, read at call time. Port, User
// and Client override the ambient environment when non-empty.
type Settings struct {
	Executable string // path or bare name; empty means "p4"
	Port       string
	User       string
	Client     string
	Dir        string // working directory for every call (the vault root)

	CommandTimeout time.Duration
	ProbeTimeout   time.Duration
}

func (s Settings) commandTimeout() time.Duration {
	if s.CommandTimeout > 0 {
		return s.CommandTimeout
	}
	return DefaultTimeout
}

func (s Settings) probeTimeout() time.Duration {
	if s.ProbeTimeout > 0 {
		return s.ProbeTimeout
	}
	return ProbeTimeout
}

// Runner spawns the p4 executable and normalizes its output and errors.
// It keeps no state beyond the settings; every call resolves the binary
// and rebuilds the environment so config changes apply immediately.
type Runner struct {
	mu       sync.RWMutex
	settings Settings
	log      zerolog.Logger
}

// NewRunner creates a Runner with the given settings.
func NewRunner(settings Settings) *Runner {
	return &Runner{
		settings: settings,
		log:      logging.GetLogger("p4"),
	}
}

// UpdateSettings replaces the runner configuration.
func (r *Runner) UpdateSettings(settings Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = settings
}

// Settings returns a copy of the current configuration.
func (r *Runner) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// resolveExecutable finds the p4 binary. An explicit path is used as-is;
// a bare name is searched in PATH and then in common install locations,
// on every call so a binary installed mid-session is picked up.
func (r *Runner) resolveExecutable(settings Settings) (string, error) {
	name := settings.Executable
	if name == "" {
		name = "p4"
	}

	if strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, '/') {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	homeDir, _ := os.UserHomeDir()
	candidates := []string{
		"/usr/local/bin/" + name,
		"/opt/homebrew/bin/" + name,
		"/usr/bin/" + name,
		filepath.Join(homeDir, ".local/bin", name),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", errors.New(name + " binary not found in PATH or common locations")
}

// globalArgs builds the connection override flags that precede every
// sub-command.
func globalArgs(settings Settings) []string {
	var args []string
	if settings.Port != "" {
		args = append(args, "-p", settings.Port)
	}
	if settings.User != "" {
		args = append(args, "-u", settings.User)
	}
	if settings.Client != "" {
		args = append(args, "-c", settings.Client)
	}
	return args
}

// Run executes a sub-command and returns stdout. stderr is classified:
// fatal-pattern content fails the call even on a zero exit, anything else
// is informational and dropped.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, r.Settings().commandTimeout(), "", nil, args)
}

// RunWithStdin executes a sub-command with the given text piped to stdin.
// Used for the spec sub-protocol ("change -i") and login, where content
// must never travel through argv.
func (r *Runner) RunWithStdin(ctx context.Context, stdin string, args ...string) (string, error) {
	return r.run(ctx, r.Settings().commandTimeout(), stdin, nil, args)
}

// RunStructured executes a sub-command with machine-readable output
// requested (-ztag -Mj, one JSON object per line) and decodes the records.
// Malformed lines are dropped; benign embedded error records are filtered.
func (r *Runner) RunStructured(ctx context.Context, args ...string) ([]Record, error) {
	out, err := r.run(ctx, r.Settings().commandTimeout(), "", []string{"-ztag", "-Mj"}, args)
	if err != nil {
		return nil, err
	}
	return decodeRecords(out, subCommand(args))
}

// RunProbe is Run under the short availability deadline.
func (r *Runner) RunProbe(ctx context.Context, args ...string) ([]Record, error) {
	out, err := r.run(ctx, r.Settings().probeTimeout(), "", []string{"-ztag", "-Mj"}, args)
	if err != nil {
		return nil, err
	}
	return decodeRecords(out, subCommand(args))
}

func subCommand(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func (r *Runner) run(ctx context.Context, timeout time.Duration, stdin string, modeArgs, args []string) (string, error) {
	settings := r.Settings()
	op := subCommand(args)

	exe, err := r.resolveExecutable(settings)
	if err != nil {
		return "", &CommandError{Kind: ErrToolUnavailable, Op: op, Message: err.Error(), Err: err}
	}

	full := globalArgs(settings)
	full = append(full, modeArgs...)
	full = append(full, args...)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, exe, full...)
	if settings.Dir != "" {
		cmd.Dir = settings.Dir
	}
	cmd.Env = os.Environ()
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	r.log.Debug().
		Str("cmd", op).
		Strs("args", full).
		Dur("duration", time.Since(start)).
		Bool("ok", runErr == nil).
		Msg("p4 invocation")

	if cctx.Err() == context.DeadlineExceeded {
		return "", &CommandError{Kind: ErrTimeout, Op: op, Message: "operation timed out after " + timeout.String(), Err: cctx.Err()}
	}

	errText := strings.TrimSpace(stderr.String())
	if errText == "" {
		// Some failure modes write their message to stdout only.
		errText = strings.TrimSpace(stdout.String())
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The process never started.
			return "", &CommandError{Kind: ErrToolUnavailable, Op: op, Message: runErr.Error(), Err: runErr}
		}
		return "", &CommandError{Kind: classifyText(errText), Op: op, Message: errText, Err: runErr}
	}

	// Zero exit, but stderr may still carry a fatal message; the tool
	// interleaves real errors with informational chatter there.
	if stderrText := strings.TrimSpace(stderr.String()); stderrText != "" && isFatalStderr(stderrText) {
		return "", &CommandError{Kind: classifyText(stderrText), Op: op, Message: stderrText}
	}

	return stdout.String(), nil
}
