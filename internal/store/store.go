// Package store holds the client-side ordered message set for one open
// conversation. Confirmed messages are deduplicated by server id;
// unconfirmed sends live alongside them keyed by correlation token until
// promoted or failed. All mutations go through one mutex, so a promote
// can never interleave with a reconcile.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/fixmarket/casechat/internal/chat"
)

// UpsertOutcome reports what an Upsert did.
type UpsertOutcome int

const (
	// Inserted means the message was new to the store.
	Inserted UpsertOutcome = iota
	// Updated means an existing message changed (e.g. read_at set).
	Updated
	// Suppressed means the message was already present unchanged.
	// Dual delivery via push and poll lands here; it is an expected
	// reconciliation outcome, not an error.
	Suppressed
)

// Entry is one row of the merged conversation view.
type Entry struct {
	// ID is the server id; empty while the entry is pending.
	ID string
	// Token is the correlation token; empty for confirmed messages
	// the client did not originate this session.
	Token      string
	SenderID   chat.UserID
	ReceiverID chat.UserID
	Content    string
	// Timestamp is the effective ordering time: server created_at if
	// confirmed, client submit time otherwise.
	Timestamp time.Time
	Confirmed bool
	Failed    bool
	FailReason string
	ReadAt    *time.Time
}

// Store is the per-conversation message set.
type Store struct {
	mu        sync.Mutex
	caseID    chat.CaseID
	confirmed map[string]chat.Message          // by server id
	pending   map[string]*chat.PendingMessage  // by correlation token
	// promoted maps token to server id for sends confirmed this
	// session whose id has not yet appeared in a snapshot. A snapshot
	// fetched before the send committed must not drop them.
	promoted map[string]string
}

// New creates an empty store for one conversation.
func New(caseID chat.CaseID) *Store {
	return &Store{
		caseID:    caseID,
		confirmed: make(map[string]chat.Message),
		pending:   make(map[string]*chat.PendingMessage),
		promoted:  make(map[string]string),
	}
}

// CaseID returns the conversation this store belongs to.
func (s *Store) CaseID() chat.CaseID { return s.caseID }

// Upsert inserts or updates one confirmed message. Idempotent: applying
// the same message twice yields the same state. If the message carries
// the correlation token of a live pending entry, the pending entry is
// resolved in the same step.
func (s *Store) Upsert(msg chat.Message) UpsertOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(msg)
}

func (s *Store) upsertLocked(msg chat.Message) UpsertOutcome {
	if msg.ClientToken != "" {
		delete(s.pending, msg.ClientToken)
	}

	existing, ok := s.confirmed[msg.ID]
	if !ok {
		s.confirmed[msg.ID] = msg
		return Inserted
	}
	merged := mergeConfirmed(existing, msg)
	if sameMessage(merged, existing) {
		return Suppressed
	}
	s.confirmed[msg.ID] = merged
	return Updated
}

// mergeConfirmed applies an incoming copy of a known message onto the
// stored one. ReadAt is monotonic: once set it is never cleared, and
// the earliest read timestamp wins.
func mergeConfirmed(old, incoming chat.Message) chat.Message {
	out := incoming
	if out.ClientToken == "" {
		out.ClientToken = old.ClientToken
	}
	if old.ReadAt != nil && (out.ReadAt == nil || old.ReadAt.Before(*out.ReadAt)) {
		out.ReadAt = old.ReadAt
	}
	return out
}

// sameMessage compares messages by value, treating timestamps by
// instant rather than representation.
func sameMessage(a, b chat.Message) bool {
	if a.ID != b.ID || a.CaseID != b.CaseID || a.SenderID != b.SenderID ||
		a.ReceiverID != b.ReceiverID || a.Content != b.Content ||
		a.ClientToken != b.ClientToken || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if (a.ReadAt == nil) != (b.ReadAt == nil) {
		return false
	}
	return a.ReadAt == nil || a.ReadAt.Equal(*b.ReadAt)
}

// Reconcile replaces the confirmed set with a complete server snapshot.
// Pending entries whose correlation token does not appear in the
// snapshot survive; ones that do appear are resolved. Read state known
// locally is preserved against a stale snapshot.
func (s *Store) Reconcile(snapshot []chat.Message) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]chat.Message, len(snapshot))
	for _, msg := range snapshot {
		if msg.ClientToken != "" {
			if _, live := s.pending[msg.ClientToken]; live {
				delete(s.pending, msg.ClientToken)
				changed = true
			}
		}
		if old, ok := s.confirmed[msg.ID]; ok {
			msg = mergeConfirmed(old, msg)
		}
		next[msg.ID] = msg
	}

	// A send promoted this session may be missing from a snapshot
	// whose fetch began before the promote. Keep it until the server
	// echoes the id back in a later snapshot.
	for token, id := range s.promoted {
		if _, ok := next[id]; ok {
			delete(s.promoted, token)
			continue
		}
		if old, ok := s.confirmed[id]; ok {
			next[id] = old
		} else {
			delete(s.promoted, token)
		}
	}

	if !changed {
		changed = len(next) != len(s.confirmed)
		if !changed {
			for id, msg := range next {
				if old, ok := s.confirmed[id]; !ok || !sameMessage(old, msg) {
					changed = true
					break
				}
			}
		}
	}
	s.confirmed = next
	return changed
}

// AddPending inserts a new unconfirmed message for optimistic display.
// The token must be fresh; reusing a live token is a no-op so a retried
// send can never produce two entries.
func (s *Store) AddPending(p chat.PendingMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[p.Token]; ok {
		return false
	}
	s.pending[p.Token] = &p
	return true
}

// Promote resolves a pending entry to its confirmed message. Atomic
// with respect to Reconcile: a snapshot arriving mid-flight cannot
// reintroduce the message as a duplicate, and a snapshot fetched
// before the send committed cannot drop it.
func (s *Store) Promote(token string, msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, token)
	if msg.ClientToken == "" {
		msg.ClientToken = token
	}
	s.upsertLocked(msg)
	s.promoted[token] = msg.ID
}

// MarkFailed flags a pending entry as failed without removing it, so
// the host UI can offer a retry. No-op if the token was already
// resolved by a snapshot.
func (s *Store) MarkFailed(token, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[token]; ok {
		p.Failed = true
		p.FailReason = reason
	}
}

// TakeFailed removes and returns a failed pending entry. Used when the
// caller resubmits: the clone gets a fresh token via the engine.
func (s *Store) TakeFailed(token string) (chat.PendingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[token]
	if !ok || !p.Failed {
		return chat.PendingMessage{}, false
	}
	delete(s.pending, token)
	return *p, true
}

// MarkLocalRead sets read_at on every confirmed message addressed to
// user that is still unread. Returns how many changed.
func (s *Store) MarkLocalRead(user chat.UserID, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, msg := range s.confirmed {
		if msg.ReceiverID == user && msg.ReadAt == nil {
			t := at
			msg.ReadAt = &t
			s.confirmed[id] = msg
			n++
		}
	}
	return n
}

// MarkPeerRead sets read_at on every confirmed message sent by user
// that is still unread. This is the receipt the sender sees.
func (s *Store) MarkPeerRead(sender chat.UserID, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, msg := range s.confirmed {
		if msg.SenderID == sender && msg.ReadAt == nil {
			t := at
			msg.ReadAt = &t
			s.confirmed[id] = msg
			n++
		}
	}
	return n
}

// View returns the merged, sorted conversation: confirmed messages by
// (created_at, id), pending ones by submit time, interleaved by
// effective timestamp.
func (s *Store) View() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.confirmed)+len(s.pending))
	for _, msg := range s.confirmed {
		out = append(out, Entry{
			ID:         msg.ID,
			Token:      msg.ClientToken,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
			Content:    msg.Content,
			Timestamp:  msg.CreatedAt,
			Confirmed:  true,
			ReadAt:     msg.ReadAt,
		})
	}
	for _, p := range s.pending {
		out = append(out, Entry{
			Token:      p.Token,
			SenderID:   p.SenderID,
			ReceiverID: p.ReceiverID,
			Content:    p.Content,
			Timestamp:  p.SubmittedAt,
			Failed:     p.Failed,
			FailReason: p.FailReason,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		// Confirmed before pending at the same instant, then by
		// stable identity so the order never flaps.
		if a.Confirmed != b.Confirmed {
			return a.Confirmed
		}
		if a.Confirmed {
			return a.ID < b.ID
		}
		return a.Token < b.Token
	})
	return out
}

// Counts returns the confirmed and pending sizes.
func (s *Store) Counts() (confirmed, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.confirmed), len(s.pending)
}
