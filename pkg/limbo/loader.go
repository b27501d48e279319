package limbo

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wonderland/bridge/pkg/types"
)

// SeedFile is the on-disk form of pre-rendered decisions
//
//	entries:
//	  - ip: 1.2.3.4
//	    port: 28960
//	    decision: deny
//	    reason: banned
type SeedFile struct {
	Entries []SeedEntry `yaml:"entries"`
}

// SeedEntry is one decision in a seed file
type SeedEntry struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	Decision string `yaml:"decision"`
	Reason   string `yaml:"reason,omitempty"`
}

// Validate checks a seed entry. Deny entries need a reason, accept
// entries must not have one.
func (e SeedEntry) Validate() error {
	if e.Port < 1 || e.Port > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("port %d out of range for %s", e.Port, e.IP))
	}
	if _, err := ParsePeer(e.IP, strconv.Itoa(e.Port)); err != nil {
		return err
	}

	switch Verdict(strings.ToLower(e.Decision)) {
	case VerdictDeny:
		if strings.TrimSpace(e.Reason) == "" {
			return types.NewError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("deny entry for %s:%d has no reason", e.IP, e.Port))
		}
	case VerdictAccept:
		if e.Reason != "" {
			return types.NewError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("accept entry for %s:%d must not carry a reason", e.IP, e.Port))
		}
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid decision %q for %s:%d (must be accept or deny)", e.Decision, e.IP, e.Port))
	}
	return nil
}

// Entry converts a validated seed entry into a ledger entry
func (e SeedEntry) Entry() (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	peer, err := ParsePeer(e.IP, strconv.Itoa(e.Port))
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Peer:    peer,
		Verdict: Verdict(strings.ToLower(e.Decision)),
		Reason:  e.Reason,
		Source:  SourceFile,
	}, nil
}

// LoadFromFile reads and validates a seed file. An empty entry list is
// valid and clears every file-sourced decision when applied.
func LoadFromFile(path string) ([]Entry, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "limbo file path cannot be empty")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"limbo file must have .yaml or .yml extension, got: "+ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "limbo file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read limbo file: "+path, err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "failed to parse limbo file "+path, err)
	}

	entries := make([]Entry, 0, len(seed.Entries))
	seen := make(map[Peer]int, len(seed.Entries))
	for i, se := range seed.Entries {
		entry, err := se.Entry()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInvalid,
				fmt.Sprintf("entry %d in %s", i, path), err)
		}
		if prev, dup := seen[entry.Peer]; dup {
			return nil, types.NewError(types.ErrCodeInvalid,
				fmt.Sprintf("entries %d and %d in %s both target %s", prev, i, path, entry.Peer))
		}
		seen[entry.Peer] = i
		entries = append(entries, entry)
	}

	return entries, nil
}

// SaveToFile writes the ledger's current entries as a seed file
func SaveToFile(path string, entries []Entry) error {
	seed := SeedFile{Entries: make([]SeedEntry, 0, len(entries))}
	for _, e := range entries {
		seed.Entries = append(seed.Entries, SeedEntry{
			IP:       e.Peer.IP,
			Port:     int(e.Peer.Port),
			Decision: string(e.Verdict),
			Reason:   e.Reason,
		})
	}

	data, err := yaml.Marshal(&seed)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode limbo file", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to write limbo file: "+path, err)
	}
	return nil
}
