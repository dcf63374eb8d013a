package ws

import "sync"

// Registry maps guild IDs to the connections holding at least one
// subscription there. It is the single piece of shared mutable state in the
// fan-out path; all registration and deregistration is serialized behind one
// mutex so an event is never delivered to a connection mid-teardown.
type Registry struct {
	mu      sync.RWMutex
	byGuild map[string]map[*Conn]int // subscription refcount per conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byGuild: make(map[string]map[*Conn]int)}
}

// Add records one subscription. The first return is true when this is the
// guild's first reference and a Redis channel listener must be opened.
func (r *Registry) Add(guildID string, c *Conn) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byGuild[guildID]
	if !ok {
		conns = make(map[*Conn]int)
		r.byGuild[guildID] = conns
	}
	conns[c]++
	return !ok
}

// Remove drops one subscription. The first return is true when the guild no
// longer has any reference and its channel listener must be torn down.
func (r *Registry) Remove(guildID string, c *Conn) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(guildID, c, 1)
}

// RemoveConn drops every subscription a closing connection holds and
// returns the guilds whose listeners are now unreferenced.
func (r *Registry) RemoveConn(c *Conn, guildRefs map[string]int) (emptied []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for guildID, refs := range guildRefs {
		if r.removeLocked(guildID, c, refs) {
			emptied = append(emptied, guildID)
		}
	}
	return emptied
}

func (r *Registry) removeLocked(guildID string, c *Conn, refs int) (last bool) {
	conns, ok := r.byGuild[guildID]
	if !ok {
		return false
	}
	conns[c] -= refs
	if conns[c] <= 0 {
		delete(conns, c)
	}
	if len(conns) == 0 {
		delete(r.byGuild, guildID)
		return true
	}
	return false
}

// Conns snapshots the connections subscribed anywhere in a guild. Topic
// matching happens per connection against its own subscriptions.
func (r *Registry) Conns(guildID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byGuild[guildID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// GuildCount reports how many guilds currently have listeners. Used by
// tests to assert listeners are not leaked.
func (r *Registry) GuildCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byGuild)
}
