package p4

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrDescriptionRequired is returned by Submit when the default
// changelist is submitted without a description. Numbered changelists
// already carry one.
var ErrDescriptionRequired = errors.New("a description is required to submit the default changelist")

var changeConfirmRe = regexp.MustCompile(`Change (\d+) (?:created|updated)`)

// spliceDescription rewrites the Description: block of a changelist spec
// form, leaving every other field (including Files:) untouched. The spec
// is piped back whole so nothing else can be corrupted by quoting.
func spliceDescription(spec, description string) string {
	desc := strings.ReplaceAll(description, "\r\n", "\n")
	desc = strings.ReplaceAll(desc, "\r", "\n")
	desc = strings.TrimSpace(desc)
	if desc == "" {
		// the tool rejects an empty block; keep its own placeholder
		desc = "<enter description here>"
	}

	lines := strings.Split(spec, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "Description:") {
			out = append(out, lines[i])
			continue
		}
		out = append(out, "Description:")
		for _, dl := range strings.Split(desc, "\n") {
			out = append(out, "\t"+dl)
		}
		// continuation lines of the old block are tab-indented
		for i+1 < len(lines) && (strings.HasPrefix(lines[i+1], "\t") || strings.HasPrefix(lines[i+1], " ")) {
			i++
		}
	}
	return strings.Join(out, "\n")
}

func parseChangeConfirmation(out string) (ChangeID, bool) {
	match := changeConfirmRe.FindStringSubmatch(out)
	if match == nil {
		return DefaultChange, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return DefaultChange, false
	}
	return ChangeID(n), true
}

// CreateChangelist creates a new pending changelist carrying the given
// description. The spec form is fetched, spliced, and piped back over
// stdin; the new number is recovered from the confirmation line.
func (m *Manager) CreateChangelist(ctx context.Context, description string) (ChangeID, error) {
	spec, err := m.runner.Run(ctx, "change", "-o")
	if err != nil {
		return DefaultChange, err
	}

	out, err := m.runner.RunWithStdin(ctx, spliceDescription(spec, description), "change", "-i")
	if err != nil {
		return DefaultChange, err
	}

	id, ok := parseChangeConfirmation(out)
	if !ok {
		return DefaultChange, &CommandError{
			Kind:    ErrOperation,
			Op:      "change",
			Message: "cannot find the new changelist number in: " + strings.TrimSpace(out),
		}
	}
	m.log.Debug().Int("change", int(id)).Msg("changelist created")
	return id, nil
}

// UpdateChangelistDescription rewrites the description of an existing
// pending changelist via the same spec splice.
func (m *Manager) UpdateChangelistDescription(ctx context.Context, id ChangeID, description string) error {
	if id.IsDefault() {
		return &CommandError{Kind: ErrOperation, Op: "change", Message: "the default changelist has no description to edit"}
	}

	spec, err := m.runner.Run(ctx, "change", "-o", id.String())
	if err != nil {
		return err
	}
	_, err = m.runner.RunWithStdin(ctx, spliceDescription(spec, description), "change", "-i")
	return err
}

// DeleteChangelist deletes an empty pending changelist.
func (m *Manager) DeleteChangelist(ctx context.Context, id ChangeID) error {
	if id.IsDefault() {
		return &CommandError{Kind: ErrOperation, Op: "change", Message: "the default changelist cannot be deleted"}
	}
	_, err := m.runner.Run(ctx, "change", "-d", id.String())
	return err
}

// ReopenFiles moves already-opened files into another changelist. The
// default changelist is addressed as "default", which the tool accepts.
func (m *Manager) ReopenFiles(ctx context.Context, target ChangeID, vaultPaths ...string) error {
	args := []string{"reopen", "-c", target.String()}
	args = append(args, m.localPaths(vaultPaths)...)
	_, err := m.runner.Run(ctx, args...)
	return err
}

// Submit submits a changelist and returns the submitted number, which
// can differ from the pending one when the server renumbers. Submitting
// the default changelist requires a description; providing one for a
// numbered changelist rewrites it first.
func (m *Manager) Submit(ctx context.Context, change ChangeID, description string) (ChangeID, error) {
	args := []string{"submit"}
	if change.IsDefault() {
		if strings.TrimSpace(description) == "" {
			return DefaultChange, ErrDescriptionRequired
		}
		args = append(args, "-d", description)
	} else {
		if strings.TrimSpace(description) != "" {
			if err := m.UpdateChangelistDescription(ctx, change, description); err != nil {
				return DefaultChange, err
			}
		}
		args = append(args, "-c", change.String())
	}

	recs, err := m.runner.RunStructured(ctx, args...)
	if err != nil {
		return DefaultChange, err
	}
	for _, rec := range recs {
		if rec.Has("submittedChange") {
			id := ChangeID(rec.Int("submittedChange"))
			m.log.Info().Int("change", int(id)).Msg("changelist submitted")
			return id, nil
		}
	}
	if !change.IsDefault() {
		return change, nil
	}
	return DefaultChange, &CommandError{Kind: ErrOperation, Op: "submit", Message: "submit did not report the submitted changelist number"}
}

// Shelve stores the opened files of a numbered changelist on the server.
// force replaces files already shelved there.
func (m *Manager) Shelve(ctx context.Context, change ChangeID, force bool, vaultPaths ...string) error {
	if change.IsDefault() {
		return &CommandError{Kind: ErrOperation, Op: "shelve", Message: "files must be in a numbered changelist to be shelved"}
	}
	args := []string{"shelve"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, "-c", change.String())
	args = append(args, m.localPaths(vaultPaths)...)
	_, err := m.runner.Run(ctx, args...)
	return err
}

// Unshelve restores shelved files into the target changelist. A shelf
// with nothing applicable is not an error.
func (m *Manager) Unshelve(ctx context.Context, shelf, target ChangeID) error {
	args := []string{"unshelve", "-s", shelf.String()}
	if !target.IsDefault() {
		args = append(args, "-c", target.String())
	}
	_, err := m.runner.Run(ctx, args...)
	if err != nil && IsBenignEmpty(err) {
		return nil
	}
	return err
}

// DeleteShelved discards the shelved files of a changelist, leaving the
// pending changelist itself in place.
func (m *Manager) DeleteShelved(ctx context.Context, change ChangeID) error {
	if change.IsDefault() {
		return &CommandError{Kind: ErrOperation, Op: "shelve", Message: "the default changelist has no shelf"}
	}
	_, err := m.runner.Run(ctx, "shelve", "-d", "-c", change.String())
	return err
}
