package state

import (
	"sort"
	"time"

	"realmsync/protocol"
	"realmsync/world"
)

// ErrUnauthorized is returned when a connection carries no identity.
var ErrUnauthorized = protocol.NewClientError(protocol.CodeUnauthorized, "authentication required for player state")

// EnsureOptions tunes record creation.
type EnsureOptions struct {
	// InitialPosition is used only when a new record is created.
	InitialPosition *world.Vec
}

// Store holds one Player per user id. It does no locking of its own: the
// owner must serialize every call (at most one mutator at a time).
type Store struct {
	players   map[int64]*Player
	conns     map[string]int64
	listeners []Listener
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		players: make(map[int64]*Player),
		conns:   make(map[string]int64),
		now:     time.Now,
	}
}

// Subscribe registers l for every subsequent event.
func (s *Store) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *Store) emit(ev Event) {
	for _, l := range s.listeners {
		l(ev)
	}
}

// EnsureForConnection creates the record for the connection's identity or
// re-attaches an existing one to this connection. A re-attach silently
// displaces whichever connection held the record before.
func (s *Store) EnsureForConnection(c Conn, opts EnsureOptions) (Player, error) {
	id, ok := c.Identity()
	if !ok {
		return Player{}, ErrUnauthorized
	}

	now := s.now()
	rec, exists := s.players[id.UserID]
	if !exists {
		rec = &Player{
			UserID:    id.UserID,
			Username:  id.Username,
			UpdatedAt: now,
			ConnID:    c.ID(),
		}
		if opts.InitialPosition != nil {
			rec.Position = *opts.InitialPosition
		}
		s.players[id.UserID] = rec
		s.conns[c.ID()] = id.UserID
		s.emit(Event{Kind: EventCreated, Player: rec.View(), ConnID: c.ID()})
		return *rec, nil
	}

	if rec.ConnID != c.ID() {
		delete(s.conns, rec.ConnID)
	}
	rec.Username = id.Username
	rec.ConnID = c.ID()
	rec.UpdatedAt = now
	s.conns[c.ID()] = id.UserID
	s.emit(Event{Kind: EventAttached, Player: rec.View(), ConnID: c.ID()})
	return *rec, nil
}

// Update applies d to the user's record and returns the new state.
func (s *Store) Update(userID int64, d Delta) (Player, error) {
	rec, ok := s.players[userID]
	if !ok {
		return Player{}, protocol.Errorf(protocol.CodePlayerNotFound, "player %d is not registered in state store", userID)
	}
	prev := rec.View()

	if d.Position != nil {
		rec.Position = *d.Position
	}
	if d.Velocity != nil {
		rec.Velocity = *d.Velocity
	}
	if d.Intent != nil {
		rec.Intent = *d.Intent
	}
	if d.Sequence != nil && *d.Sequence > rec.Sequence {
		rec.Sequence = *d.Sequence
	}
	rec.UpdatedAt = s.now()

	s.emit(Event{Kind: EventUpdated, Player: rec.View(), Previous: &prev, ConnID: rec.ConnID})
	return *rec, nil
}

// Teleport moves a player directly, bypassing collision, and stops it.
func (s *Store) Teleport(userID int64, pos world.Vec) (Player, error) {
	zero := world.Vec{}
	return s.Update(userID, Delta{Position: &pos, Velocity: &zero, Intent: &zero})
}

// RemoveForConnection deletes the record attached to c. It is a no-op when c
// is no longer the record's connection, e.g. after a re-attach elsewhere.
func (s *Store) RemoveForConnection(c Conn) (Player, bool) {
	userID, ok := s.conns[c.ID()]
	if !ok {
		return Player{}, false
	}
	delete(s.conns, c.ID())

	rec, ok := s.players[userID]
	if !ok || rec.ConnID != c.ID() {
		return Player{}, false
	}
	delete(s.players, userID)
	s.emit(Event{Kind: EventRemoved, Player: rec.View(), ConnID: c.ID()})
	return *rec, true
}

// Get returns a copy of the user's record.
func (s *Store) Get(userID int64) (Player, bool) {
	rec, ok := s.players[userID]
	if !ok {
		return Player{}, false
	}
	return *rec, true
}

// Len is the number of records.
func (s *Store) Len() int { return len(s.players) }

// Each calls fn with a copy of every record in user id order.
func (s *Store) Each(fn func(Player)) {
	for _, id := range s.sortedIDs() {
		fn(*s.players[id])
	}
}

// Snapshot returns every record sanitized for broadcast, ordered by user id.
func (s *Store) Snapshot() []View {
	ids := s.sortedIDs()
	out := make([]View, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.players[id].View())
	}
	return out
}

func (s *Store) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
