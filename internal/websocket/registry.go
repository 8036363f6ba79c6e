package websocket

import (
	"sort"
	"sync"
)

// Registry tracks which connections have joined which user room
// ARCHITECTURAL DISCOVERY: A user may hold several sockets (tabs, devices);
// each room is the set of that user's joined connections and presence
// follows the first join and the last leave
type Registry struct {
	mu    sync.RWMutex                        // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	rooms map[string]map[*Connection]struct{} // userID -> joined connections
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[*Connection]struct{}),
	}
}

// Join adds conn to the room named room. A connection may only join the room
// matching its own user ID. first reports whether this is the room's first
// connection, i.e. the user just came online.
func (r *Registry) Join(conn *Connection, room string) (first bool, err error) {
	if conn == nil {
		return false, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return false, ErrConnectionNotAuthenticated
	}
	if room != conn.GetUserID() {
		return false, ErrForeignRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[room]
	if !exists {
		members = make(map[*Connection]struct{})
		r.rooms[room] = members
	}
	if _, joined := members[conn]; joined {
		return false, nil
	}
	members[conn] = struct{}{}
	return len(members) == 1, nil
}

// Leave removes conn from its room. last reports whether the room is now
// empty, i.e. the user just went offline. Idempotent.
func (r *Registry) Leave(conn *Connection) (last bool) {
	if conn == nil {
		return false
	}
	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[userID]
	if !exists {
		return false
	}
	if _, joined := members[conn]; !joined {
		return false
	}
	delete(members, conn)
	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	if len(members) == 0 {
		delete(r.rooms, userID)
		return true
	}
	return false
}

// RoomConnections returns the connections joined to a user's room
func (r *Registry) RoomConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[userID]
	connections := make([]*Connection, 0, len(members))
	for conn := range members {
		connections = append(connections, conn)
	}
	return connections
}

// AllConnections returns every joined connection for broadcasting
func (r *Registry) AllConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connections []*Connection
	for _, members := range r.rooms {
		for conn := range members {
			connections = append(connections, conn)
		}
	}
	return connections
}

// IsOnline reports whether the user has at least one joined connection
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[userID]) > 0
}

// OnlineUsers returns the IDs of all online users in sorted order
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.rooms))
	for userID := range r.rooms {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, members := range r.rooms {
		total += len(members)
	}
	return map[string]int{
		"total_connections": total,
		"online_users":      len(r.rooms),
	}
}
