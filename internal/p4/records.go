package p4

import (
	"bufio"
	"encoding/json"
	"strconv"
	"strings"
)

// Record is one machine-readable record from the tool, decoded from a
// single line of -ztag -Mj output. All values arrive as strings; the
// accessors tolerate numbers as well.
type Record map[string]any

// Str returns the string value for key, or "" when absent.
func (r Record) Str(key string) string {
	v, ok := r[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return ""
	}
}

// Int returns the numeric value for key; absent or non-numeric values
// (including the tool's "none") report 0.
func (r Record) Int(key string) int {
	v, ok := r[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int(t)
	default:
		return 0
	}
}

// Has reports whether the record carries key.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Code returns the record's code field ("stat", "error", "info").
func (r Record) Code() string {
	return r.Str("code")
}

// decodeRecords parses one-JSON-object-per-line output. Lines that are
// not JSON objects are dropped silently, since the tool interleaves
// summary text with structured records. Embedded error records are
// filtered when benign and raised otherwise; info records are dropped.
func decodeRecords(out, op string) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		switch rec.Code() {
		case "error":
			data := strings.TrimSpace(rec.Str("data"))
			if isBenignText(data) {
				continue
			}
			return nil, &CommandError{Kind: classifyText(data), Op: op, Message: data}
		case "info":
			continue
		default:
			records = append(records, rec)
		}
	}

	return records, nil
}

// ChangeID identifies a changelist. Zero is the implicit default
// changelist, which the backend never lists itself.
type ChangeID int

// DefaultChange is the implicit, always-present changelist.
const DefaultChange ChangeID = 0

// IsDefault reports whether the id is the default changelist.
func (c ChangeID) IsDefault() bool { return c == DefaultChange }

func (c ChangeID) String() string {
	if c.IsDefault() {
		return "default"
	}
	return strconv.Itoa(int(c))
}

// MarshalJSON keeps the wire shape number-or-"default".
func (c ChangeID) MarshalJSON() ([]byte, error) {
	if c.IsDefault() {
		return []byte(`"default"`), nil
	}
	return []byte(strconv.Itoa(int(c))), nil
}

// UnmarshalJSON accepts a number, a numeric string, or "default".
func (c *ChangeID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*c = ParseChangeID(s)
	return nil
}

// ParseChangeID maps the tool's change field ("default" or digits) to a
// ChangeID. Unparseable input maps to the default changelist.
func ParseChangeID(s string) ChangeID {
	if s == "" || s == "default" {
		return DefaultChange
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return DefaultChange
	}
	return ChangeID(n)
}

// FileAction is the open action on a file.
type FileAction string

const (
	ActionEdit       FileAction = "edit"
	ActionAdd        FileAction = "add"
	ActionDelete     FileAction = "delete"
	ActionBranch     FileAction = "branch"
	ActionIntegrate  FileAction = "integrate"
	ActionMoveAdd    FileAction = "move/add"
	ActionMoveDelete FileAction = "move/delete"
)

// FileStatus is one opened-file record translated into all three path
// namespaces. Snapshots of these are rebuilt on every refresh and never
// persisted.
type FileStatus struct {
	DepotPath  string     `json:"depot_path"`
	ClientPath string     `json:"client_path"`
	VaultPath  string     `json:"vault_path"`
	Action     FileAction `json:"action"`
	Change     ChangeID   `json:"change"`
	FileType   string     `json:"file_type,omitempty"`
	Rev        int        `json:"rev,omitempty"`
	HaveRev    int        `json:"have_rev,omitempty"`
}

// ChangeStatus is a changelist lifecycle state.
type ChangeStatus string

const (
	StatusPending   ChangeStatus = "pending"
	StatusSubmitted ChangeStatus = "submitted"
	StatusShelved   ChangeStatus = "shelved"
)

// Changelist is a pending or submitted grouping of file changes.
type Changelist struct {
	ID          ChangeID     `json:"id"`
	Description string       `json:"description"`
	Owner       string       `json:"owner"`
	Client      string       `json:"client"`
	Status      ChangeStatus `json:"status"`
	Time        int64        `json:"time,omitempty"` // unix seconds
}

// ConflictType distinguishes diverged content from action-level clashes
// (branch/delete resolves).
type ConflictType string

const (
	ConflictContent ConflictType = "content"
	ConflictAction  ConflictType = "action"
)

// ConflictFile is one file the tool reports as needing resolve.
type ConflictFile struct {
	DepotPath  string       `json:"depot_path"`
	ClientPath string       `json:"client_path"`
	VaultPath  string       `json:"vault_path"`
	BaseRev    int          `json:"base_rev,omitempty"`
	TheirRev   int          `json:"their_rev,omitempty"`
	Type       ConflictType `json:"conflict_type"`
	Source     string       `json:"source,omitempty"` // integration source file
}

// MergeVersions holds the three full texts for a conflicted path.
// BaseIsTheirs marks the lossy fallback taken when the common ancestor
// could not be fetched.
type MergeVersions struct {
	Base         string `json:"base"`
	Theirs       string `json:"theirs"`
	Yours        string `json:"yours"`
	BaseIsTheirs bool   `json:"base_is_theirs,omitempty"`
}

// ServerInfo is the probe result describing the active connection.
type ServerInfo struct {
	User          string `json:"user"`
	Client        string `json:"client"`
	ClientRoot    string `json:"client_root"`
	ServerAddress string `json:"server_address"`
	ServerVersion string `json:"server_version,omitempty"`
}

// SyncAction is what the tool did to a file during sync.
type SyncAction string

const (
	SyncUpdated   SyncAction = "updated"
	SyncAdded     SyncAction = "added"
	SyncDeleted   SyncAction = "deleted"
	SyncRefreshed SyncAction = "refreshed"
)

// parseSyncAction maps the tool's action field; unknown values map to
// updated so a new server verb degrades instead of vanishing.
func parseSyncAction(s string) SyncAction {
	switch SyncAction(s) {
	case SyncAdded:
		return SyncAdded
	case SyncDeleted:
		return SyncDeleted
	case SyncRefreshed:
		return SyncRefreshed
	default:
		return SyncUpdated
	}
}

// SyncedFile is one file touched by a sync.
type SyncedFile struct {
	DepotPath string     `json:"depot_path"`
	VaultPath string     `json:"vault_path"`
	Rev       int        `json:"rev"`
	Action    SyncAction `json:"action"`
}

// HaveEntry is one synced file from the have list; these seed the
// tracked-path set used by the read-only gate.
type HaveEntry struct {
	DepotPath string `json:"depot_path"`
	VaultPath string `json:"vault_path"`
	HaveRev   int    `json:"have_rev"`
}

// DiffResult carries the three independent fetches for a diff view.
// Empty ToolDiff means no textual difference, not an error.
type DiffResult struct {
	VaultPath string `json:"vault_path"`
	DepotText string `json:"depot_text"`
	LocalText string `json:"local_text"`
	ToolDiff  string `json:"tool_diff"`
}
