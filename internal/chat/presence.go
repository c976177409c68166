package chat

import "sort"

// PresenceUser is a single online participant as reported by the server.
type PresenceUser struct {
	ID       string
	Username string
}

// Presence tracks the set of currently online peers. The server sends
// complete snapshots, never diffs, so every snapshot wholesale replaces
// the previous set. Owned by the service event loop; no locking.
type Presence struct {
	online map[string]PresenceUser
}

// NewPresence creates an empty presence set.
func NewPresence() *Presence {
	return &Presence{online: make(map[string]PresenceUser)}
}

// ApplySnapshot replaces the online set with the given users. Any id
// absent from the snapshot is offline from this point on, regardless of
// prior state.
func (p *Presence) ApplySnapshot(users []PresenceUser) {
	next := make(map[string]PresenceUser, len(users))
	for _, u := range users {
		next[u.ID] = u
	}
	p.online = next
}

// IsOnline reports whether the user is in the current snapshot.
func (p *Presence) IsOnline(id string) bool {
	_, ok := p.online[id]
	return ok
}

// Online returns the current snapshot sorted by username.
func (p *Presence) Online() []PresenceUser {
	out := make([]PresenceUser, 0, len(p.online))
	for _, u := range p.online {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].ID < out[j].ID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// Clear empties the set. Called on session teardown.
func (p *Presence) Clear() {
	p.online = make(map[string]PresenceUser)
}
