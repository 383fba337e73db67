// Package registry indexes the connections held by this node: by connection
// id, by user, and by joined room. Lifecycle hooks fire on the edges that
// matter elsewhere (first or last local connection of a user, first or last
// local member of a room, user fully offline across all nodes), so the
// backplane and presence layers never poll.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/slopeline/slopeline/internal/v1/hotstore"
	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// Hooks are invoked outside the registry lock, in the order the edges occur.
// Nil hooks are skipped.
type Hooks struct {
	// FirstLocalUser fires when a user's first connection on this node
	// registers; used to open the user's backplane channel.
	FirstLocalUser func(user types.UserIDType)
	// LastLocalUser fires when a user's last connection on this node leaves.
	LastLocalUser func(user types.UserIDType)
	// UserOffline fires when a user's last connection across every node
	// leaves; used to clear presence.
	UserOffline func(user types.UserIDType)
	// FirstLocalRoom fires when a room gains its first member on this node.
	FirstLocalRoom func(room types.RoomIDType)
	// LastLocalRoom fires when a room loses its last member on this node.
	LastLocalRoom func(room types.RoomIDType)
}

// Registry is the node-local connection index. The shared connection set in
// the hot store extends it across nodes.
type Registry struct {
	hot   *hotstore.Service
	hooks Hooks

	mu    sync.RWMutex
	conns map[types.ConnIDType]types.ClientConn
	users map[types.UserIDType]set.Set[types.ConnIDType]
	rooms map[types.RoomIDType]set.Set[types.ConnIDType]
}

func New(hot *hotstore.Service, hooks Hooks) *Registry {
	return &Registry{
		hot:   hot,
		hooks: hooks,
		conns: make(map[types.ConnIDType]types.ClientConn),
		users: make(map[types.UserIDType]set.Set[types.ConnIDType]),
		rooms: make(map[types.RoomIDType]set.Set[types.ConnIDType]),
	}
}

// Add registers a connection. The shared connection set is best effort; a
// hot store failure leaves cross-node presence stale but the connection up.
func (r *Registry) Add(ctx context.Context, conn types.ClientConn) {
	user := conn.UserID()

	r.mu.Lock()
	r.conns[conn.ID()] = conn
	userSet, ok := r.users[user]
	if !ok {
		userSet = set.New[types.ConnIDType]()
		r.users[user] = userSet
	}
	userSet.Insert(conn.ID())
	first := userSet.Len() == 1
	r.mu.Unlock()

	if first && r.hooks.FirstLocalUser != nil {
		r.hooks.FirstLocalUser(user)
	}
	if err := r.hot.SAdd(ctx, types.ConnectionsKey(user), string(conn.ID())); err != nil {
		logging.Warn(ctx, "connection set add failed", zap.Error(err))
	}
	metrics.IncConnection()
}

// Remove unregisters a connection, dropping it from every room it joined.
// When the shared connection set says no connection remains anywhere, the
// UserOffline hook fires.
func (r *Registry) Remove(ctx context.Context, conn types.ClientConn) {
	user := conn.UserID()

	var emptiedRooms []types.RoomIDType
	var lastLocal bool

	r.mu.Lock()
	if _, ok := r.conns[conn.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.ID())
	for _, room := range conn.Rooms() {
		if members, ok := r.rooms[room]; ok {
			members.Delete(conn.ID())
			if members.Len() == 0 {
				delete(r.rooms, room)
				emptiedRooms = append(emptiedRooms, room)
			}
		}
		conn.RemoveRoom(room)
	}
	if userSet, ok := r.users[user]; ok {
		userSet.Delete(conn.ID())
		if userSet.Len() == 0 {
			delete(r.users, user)
			lastLocal = true
		}
	}
	r.mu.Unlock()

	for _, room := range emptiedRooms {
		if r.hooks.LastLocalRoom != nil {
			r.hooks.LastLocalRoom(room)
		}
	}
	if lastLocal && r.hooks.LastLocalUser != nil {
		r.hooks.LastLocalUser(user)
	}
	metrics.DecConnection()

	if err := r.hot.SRem(ctx, types.ConnectionsKey(user), string(conn.ID())); err != nil {
		logging.Warn(ctx, "connection set remove failed", zap.Error(err))
		return
	}
	remaining, err := r.hot.SCard(ctx, types.ConnectionsKey(user))
	if err != nil {
		logging.Warn(ctx, "connection count check failed", zap.Error(err))
		return
	}
	if remaining == 0 && r.hooks.UserOffline != nil {
		r.hooks.UserOffline(user)
	}
}

// JoinRoom adds the connection to the room's local index.
func (r *Registry) JoinRoom(conn types.ClientConn, room types.RoomIDType) {
	r.mu.Lock()
	if _, ok := r.conns[conn.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = set.New[types.ConnIDType]()
		r.rooms[room] = members
	}
	first := !ok
	members.Insert(conn.ID())
	conn.AddRoom(room)
	r.mu.Unlock()

	if first && r.hooks.FirstLocalRoom != nil {
		r.hooks.FirstLocalRoom(room)
	}
}

// LeaveRoom drops the connection from the room's local index.
func (r *Registry) LeaveRoom(conn types.ClientConn, room types.RoomIDType) {
	var emptied bool

	r.mu.Lock()
	if members, ok := r.rooms[room]; ok {
		members.Delete(conn.ID())
		if members.Len() == 0 {
			delete(r.rooms, room)
			emptied = true
		}
	}
	conn.RemoveRoom(room)
	r.mu.Unlock()

	if emptied && r.hooks.LastLocalRoom != nil {
		r.hooks.LastLocalRoom(room)
	}
}

// RoomConns snapshots the room's local connections.
func (r *Registry) RoomConns(room types.RoomIDType) []types.ClientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	conns := make([]types.ClientConn, 0, members.Len())
	for _, id := range members.UnsortedList() {
		if conn, ok := r.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// UserConns snapshots the user's local connections.
func (r *Registry) UserConns(user types.UserIDType) []types.ClientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userSet, ok := r.users[user]
	if !ok {
		return nil
	}
	conns := make([]types.ClientConn, 0, userSet.Len())
	for _, id := range userSet.UnsortedList() {
		if conn, ok := r.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Conns snapshots every connection on this node; used at shutdown.
func (r *Registry) Conns() []types.ClientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]types.ClientConn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// ConnCount returns the number of connections on this node.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
