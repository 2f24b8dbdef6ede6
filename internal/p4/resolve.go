package p4

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"p4vault/internal/paths"
)

// ResolveMode selects how a conflicted file is resolved. Every mode goes
// through the single dispatch in Resolve.
type ResolveMode int

const (
	// AcceptYours keeps the local content.
	AcceptYours ResolveMode = iota
	// AcceptTheirs takes the incoming depot content.
	AcceptTheirs
	// AcceptSafe lets the tool merge only when the edits do not overlap.
	AcceptSafe
	// AcceptMerged writes caller-supplied merged text to the local file
	// and then resolves keeping it.
	AcceptMerged
)

func (r ResolveMode) String() string {
	switch r {
	case AcceptYours:
		return "accept_yours"
	case AcceptTheirs:
		return "accept_theirs"
	case AcceptSafe:
		return "accept_safe"
	case AcceptMerged:
		return "accept_merged"
	default:
		return fmt.Sprintf("resolve_mode_%d", int(r))
	}
}

// ParseResolveMode maps the wire form of a resolve mode back to the enum.
func ParseResolveMode(s string) (ResolveMode, error) {
	switch s {
	case "accept_yours":
		return AcceptYours, nil
	case "accept_theirs":
		return AcceptTheirs, nil
	case "accept_safe":
		return AcceptSafe, nil
	case "accept_merged":
		return AcceptMerged, nil
	default:
		return AcceptYours, fmt.Errorf("unknown resolve mode %q", s)
	}
}

// Conflicts previews the files needing resolve under the vault root. A
// workspace with nothing to resolve reports an empty list, not an error.
func (m *Manager) Conflicts(ctx context.Context) ([]ConflictFile, error) {
	recs, err := m.runner.RunStructured(ctx, "resolve", "-n", filepath.Join(m.tr.VaultRoot(), "..."))
	if err != nil {
		if IsBenignEmpty(err) {
			return nil, nil
		}
		return nil, err
	}

	info := m.Info()
	var conflicts []ConflictFile
	for _, rec := range recs {
		clientFile := rec.Str("clientFile")
		abs := clientFile
		if strings.HasPrefix(clientFile, "//") {
			var ok bool
			abs, ok = paths.ClientToAbs(clientFile, info.ClientRoot)
			if !ok {
				continue
			}
		}
		vaultPath, ok := m.tr.VaultRel(abs)
		if !ok {
			continue
		}

		conflictType := ConflictContent
		if rt := rec.Str("resolveType"); rt != "" && !strings.Contains(strings.ToLower(rt), "content") {
			conflictType = ConflictAction
		}

		depotPath := rec.Str("depotFile")
		if depotPath == "" {
			depotPath = rec.Str("fromFile")
		}

		conflicts = append(conflicts, ConflictFile{
			DepotPath:  depotPath,
			ClientPath: clientFile,
			VaultPath:  vaultPath,
			BaseRev:    rec.Int("baseRev"),
			TheirRev:   rec.Int("endFromRev"),
			Type:       conflictType,
			Source:     rec.Str("fromFile"),
		})
	}
	return conflicts, nil
}

// MergeInput assembles the three-way material for one conflicted path.
// yours is the local file, theirs the incoming revision, and base the
// revision the client had before the conflict. When the base cannot be
// resolved it degrades to theirs, flagged so the UI can say so.
func (m *Manager) MergeInput(ctx context.Context, c ConflictFile) (*MergeVersions, error) {
	mv := &MergeVersions{}

	if data, err := m.files.ReadFile(c.VaultPath); err == nil {
		mv.Yours = string(data)
	}

	source := c.Source
	if source == "" {
		source = c.DepotPath
	}
	theirs, err := m.Print(ctx, source, c.TheirRev)
	if err != nil {
		return nil, err
	}
	mv.Theirs = theirs

	baseRev := c.BaseRev
	if baseRev == 0 {
		if have, err := m.HaveRev(ctx, c.VaultPath); err == nil {
			baseRev = have
		}
	}
	if baseRev > 0 {
		if base, err := m.Print(ctx, c.DepotPath, baseRev); err == nil {
			mv.Base = base
			return mv, nil
		}
	}

	mv.Base = mv.Theirs
	mv.BaseIsTheirs = true
	return mv, nil
}

// Resolve applies one resolution to a conflicted file. AcceptMerged
// writes the merged text through the file store first and then keeps
// it; the store's write path counts as internal, not a user edit.
func (m *Manager) Resolve(ctx context.Context, vaultPath string, mode ResolveMode, mergedText string) error {
	var flag string
	switch mode {
	case AcceptYours:
		flag = "-ay"
	case AcceptTheirs:
		flag = "-at"
	case AcceptSafe:
		flag = "-as"
	case AcceptMerged:
		if err := m.files.WriteFile(vaultPath, []byte(mergedText)); err != nil {
			return fmt.Errorf("write merged content: %w", err)
		}
		flag = "-ay"
	default:
		return &CommandError{Kind: ErrOperation, Op: "resolve", Message: "unknown resolve mode"}
	}

	m.log.Debug().Str("path", vaultPath).Str("mode", mode.String()).Msg("resolving conflict")

	_, err := m.runner.Run(ctx, "resolve", flag, m.tr.Abs(vaultPath))
	if err != nil && IsBenignEmpty(err) {
		return nil
	}
	return err
}
