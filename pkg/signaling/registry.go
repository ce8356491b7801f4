package signaling

import (
	"errors"
	"sync"
)

// ErrUnknownConnection is returned when an operation references a
// connection identity that is not currently registered. The router
// always registers a connection before routing its traffic, so seeing
// this error means a sequencing bug upstream.
var ErrUnknownConnection = errors.New("unknown connection")

// Registry is the authoritative record of live connections and room
// membership. It holds no persistent state; its lifetime is the
// process lifetime, and a reconnecting client shows up as a brand-new
// connection with a new identity.
//
// A room token maps to a member set; an absent token is an empty room.
// The map entry is dropped as soon as membership reaches zero so
// abandoned tokens don't accumulate.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
	rooms map[string]*room
}

// room serializes membership changes for one token. Mutations on
// different tokens proceed independently; the registry-level lock is
// only held for map lookups, never across a room mutation.
type room struct {
	mu      sync.Mutex
	members []string
	defunct bool
}

// Departure records one room a disconnecting connection was removed
// from, with the members remaining after its removal.
type Departure struct {
	Room      string
	Remaining []string
}

// NewRegistry builds an empty registry. Each caller owns its instance;
// there is no package-level singleton.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]map[string]struct{}),
		rooms: make(map[string]*room),
	}
}

// Register records a new connection with no room membership.
// Registering an already-known identity is a no-op.
func (r *Registry) Register(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = make(map[string]struct{})
	}
}

// Join adds the connection to the named room and returns the members
// that were present before this join, in arrival order. Joining a room
// the connection already belongs to changes nothing and returns the
// other members. The returned slice is the caller's to keep.
func (r *Registry) Join(connID, token string) ([]string, error) {
	for {
		r.mu.Lock()
		if _, ok := r.conns[connID]; !ok {
			r.mu.Unlock()
			return nil, ErrUnknownConnection
		}
		rm := r.rooms[token]
		if rm == nil {
			rm = &room{}
			r.rooms[token] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.defunct {
			// Lost a race with the last leave; the map entry is gone.
			rm.mu.Unlock()
			continue
		}
		prior := make([]string, 0, len(rm.members))
		already := false
		for _, id := range rm.members {
			if id == connID {
				already = true
				continue
			}
			prior = append(prior, id)
		}
		if !already {
			rm.members = append(rm.members, connID)
		}
		rm.mu.Unlock()

		r.mu.Lock()
		set, ok := r.conns[connID]
		if ok {
			set[token] = struct{}{}
		}
		r.mu.Unlock()
		if !ok {
			// The connection disconnected while we were joining; undo
			// the membership we just added.
			r.removeMember(connID, token)
			return nil, ErrUnknownConnection
		}
		return prior, nil
	}
}

// Leave removes the connection from one room. It reports the members
// remaining afterwards and whether the connection was actually a
// member; leaving a room it never joined is a silent no-op.
func (r *Registry) Leave(connID, token string) ([]string, bool) {
	remaining, removed := r.removeMember(connID, token)

	r.mu.Lock()
	if set, ok := r.conns[connID]; ok {
		delete(set, token)
	}
	r.mu.Unlock()

	return remaining, removed
}

// Disconnect removes the connection from every room it belongs to and
// erases its registration. A duplicate or late disconnect returns nil
// and does nothing. One Departure is returned per room the connection
// was actually a member of.
func (r *Registry) Disconnect(connID string) []Departure {
	r.mu.Lock()
	set := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()

	if set == nil {
		return nil
	}

	var departures []Departure
	for token := range set {
		remaining, removed := r.removeMember(connID, token)
		if removed {
			departures = append(departures, Departure{Room: token, Remaining: remaining})
		}
	}
	return departures
}

// MembersOf returns the current members of a room in arrival order,
// excluding the given identity if non-empty. An unknown token yields
// an empty result.
func (r *Registry) MembersOf(token, exclude string) []string {
	r.mu.RLock()
	rm := r.rooms[token]
	r.mu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	members := make([]string, 0, len(rm.members))
	for _, id := range rm.members {
		if exclude != "" && id == exclude {
			continue
		}
		members = append(members, id)
	}
	return members
}

// removeMember drops connID from the room's member list and deletes
// the room entry once it is empty.
func (r *Registry) removeMember(connID, token string) ([]string, bool) {
	r.mu.RLock()
	rm := r.rooms[token]
	r.mu.RUnlock()
	if rm == nil {
		return nil, false
	}

	rm.mu.Lock()
	removed := false
	for i, id := range rm.members {
		if id == connID {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			removed = true
			break
		}
	}
	remaining := make([]string, len(rm.members))
	copy(remaining, rm.members)
	empty := len(rm.members) == 0
	if empty {
		rm.defunct = true
	}
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.rooms[token] == rm {
			delete(r.rooms, token)
		}
		r.mu.Unlock()
	}
	return remaining, removed
}
