// Package limbo implements the admission ledger: accept and deny decisions
// keyed by a peer's network identity, consulted when an observer connects.
package limbo

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wonderland/bridge/pkg/types"
)

// Verdict is the outcome of a ledger lookup
type Verdict string

const (
	VerdictUnknown Verdict = "unknown"
	VerdictAccept  Verdict = "accept"
	VerdictDeny    Verdict = "deny"
)

// String returns the string representation of the verdict
func (v Verdict) String() string {
	return string(v)
}

// Source records who rendered a decision
type Source string

const (
	SourceService Source = "service"
	SourceFile    Source = "file"
	SourceAdmin   Source = "admin"
)

// DefaultDenyReason is recorded when a deny arrives without a reason
const DefaultDenyReason = "access denied"

// Peer is the network identity a decision is keyed by
type Peer struct {
	IP   string
	Port uint16
}

// ParsePeer validates an ip and port pair as they arrive on the wire
func ParsePeer(ip, port string) (Peer, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return Peer{}, types.NewError(types.ErrCodeInvalidArgument, "invalid peer address: "+ip)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return Peer{}, types.NewError(types.ErrCodeInvalidArgument, "invalid peer port: "+port)
	}
	return Peer{IP: addr.String(), Port: uint16(n)}, nil
}

// String returns ip:port
func (p Peer) String() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))
}

// Decision is what Resolve returns for a peer
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Allowed applies the fallback policy to an Unknown verdict
func (d Decision) Allowed(acceptUnknown bool) bool {
	switch d.Verdict {
	case VerdictAccept:
		return true
	case VerdictDeny:
		return false
	default:
		return acceptUnknown
	}
}

// Entry is one ledger record
type Entry struct {
	Peer      Peer
	Verdict   Verdict
	Reason    string
	Source    Source
	UpdatedAt time.Time
}

// LedgerStats holds ledger counters
type LedgerStats struct {
	Entries  int
	Accepts  int
	Denies   int
	Resolves uint64
}

// Ledger records the last decision per peer. All methods are safe for
// concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	entries  map[Peer]Entry
	resolves uint64
	now      func() time.Time
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[Peer]Entry),
		now:     time.Now,
	}
}

// Deny records a deny decision for peer. An empty reason is replaced with
// DefaultDenyReason so that deny entries always carry one.
func (l *Ledger) Deny(peer Peer, reason string, source Source) {
	if reason == "" {
		reason = DefaultDenyReason
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[peer] = Entry{
		Peer:      peer,
		Verdict:   VerdictDeny,
		Reason:    reason,
		Source:    source,
		UpdatedAt: l.now(),
	}
}

// Accept records an accept decision for peer, clearing any prior reason
func (l *Ledger) Accept(peer Peer, source Source) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[peer] = Entry{
		Peer:      peer,
		Verdict:   VerdictAccept,
		Source:    source,
		UpdatedAt: l.now(),
	}
}

// Resolve returns the recorded decision for peer, or VerdictUnknown
func (l *Ledger) Resolve(peer Peer) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resolves++
	entry, ok := l.entries[peer]
	if !ok {
		return Decision{Verdict: VerdictUnknown}
	}
	return Decision{Verdict: entry.Verdict, Reason: entry.Reason}
}

// Forget removes the entry for peer. Returns false if there was none.
func (l *Ledger) Forget(peer Peer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[peer]; !ok {
		return false
	}
	delete(l.entries, peer)
	return true
}

// Len returns the number of entries
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns a copy of every entry ordered by peer
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	entries := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Peer.IP != entries[j].Peer.IP {
			return entries[i].Peer.IP < entries[j].Peer.IP
		}
		return entries[i].Peer.Port < entries[j].Peer.Port
	})
	return entries
}

// ReplaceSource atomically drops every entry rendered by source and
// installs entries in their place. Entries from other sources are kept
// unless a new entry has the same peer.
func (l *Ledger) ReplaceSource(source Source, entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for peer, e := range l.entries {
		if e.Source == source {
			delete(l.entries, peer)
		}
	}

	now := l.now()
	for _, e := range entries {
		e.Source = source
		e.UpdatedAt = now
		if e.Verdict == VerdictAccept {
			e.Reason = ""
		}
		l.entries[e.Peer] = e
	}
}

// Stats returns ledger counters
func (l *Ledger) Stats() LedgerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := LedgerStats{Entries: len(l.entries), Resolves: l.resolves}
	for _, e := range l.entries {
		switch e.Verdict {
		case VerdictAccept:
			stats.Accepts++
		case VerdictDeny:
			stats.Denies++
		}
	}
	return stats
}

// String returns a string representation of the ledger
func (l *Ledger) String() string {
	stats := l.Stats()
	return fmt.Sprintf("Ledger{entries: %d, accepts: %d, denies: %d}", stats.Entries, stats.Accepts, stats.Denies)
}
