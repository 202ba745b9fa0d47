package boardsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RegistryOptions configures the room registry.
type RegistryOptions struct {
	// SnapshotInterval is how often occupied rooms are persisted.
	SnapshotInterval time.Duration

	// Clock drives version timestamps and the snapshot timers. Nil means the
	// system clock.
	Clock Clock
}

// DefaultRegistryOptions returns the default registry configuration.
func DefaultRegistryOptions() *RegistryOptions {
	return &RegistryOptions{
		SnapshotInterval: 30 * time.Second,
	}
}

type registryEntry struct {
	room      *Room
	scheduler *SnapshotScheduler
}

// RoomRegistry owns the live rooms of one server process: a room is created
// on first join (seeded from the persisted snapshot) and destroyed when the
// last user disconnects, after a final snapshot save. The registry is an
// explicit injected object so tests can instantiate isolated registries.
type RoomRegistry struct {
	store   SnapshotStore
	fanOut  *FanOut
	options *RegistryOptions
	logger  *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*registryEntry
	closed bool
}

// NewRoomRegistry creates a registry. store and fanOut may be nil for rooms
// with no persistence or no cross-process fan-out.
func NewRoomRegistry(store SnapshotStore, fanOut *FanOut, options *RegistryOptions, logger *zap.Logger) *RoomRegistry {
	if options == nil {
		options = DefaultRegistryOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomRegistry{
		store:   store,
		fanOut:  fanOut,
		options: options,
		logger:  logger,
		rooms:   make(map[string]*registryEntry),
	}
}

// GetOrCreate returns the live room for the board, creating and seeding it
// from the persisted snapshot on first join.
func (g *RoomRegistry) GetOrCreate(ctx context.Context, boardID string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("registry is closed")
	}
	if entry, ok := g.rooms[boardID]; ok {
		return entry.room, nil
	}

	var elements []*Element
	var version int64
	if g.store != nil {
		snapshot, err := g.store.LoadRoomSnapshot(ctx, boardID)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot for %s: %w", boardID, err)
		}
		if snapshot != nil {
			elements = snapshot.Elements
			version = snapshot.Version
		}
	}

	room := NewRoom(boardID, elements, version, g.options.Clock, g.logger)
	entry := &registryEntry{room: room}

	if g.fanOut != nil {
		if err := g.fanOut.Attach(ctx, room); err != nil {
			return nil, fmt.Errorf("failed to attach fan-out for %s: %w", boardID, err)
		}
	}

	if g.store != nil && g.options.SnapshotInterval > 0 {
		entry.scheduler = NewSnapshotScheduler(g.options.SnapshotInterval, g.options.Clock, func() {
			if !room.Empty() {
				g.persistRoom(room)
			}
		}, g.logger)
		entry.scheduler.Start()
	}

	g.rooms[boardID] = entry
	g.logger.Info("Room created",
		zap.String("board_id", boardID),
		zap.Int64("version", room.LatestVersion()),
		zap.Int("element_count", len(elements)))
	return room, nil
}

// Room returns the live room for the board, or nil.
func (g *RoomRegistry) Room(boardID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.rooms[boardID]; ok {
		return entry.room
	}
	return nil
}

// RoomCount returns the number of live rooms.
func (g *RoomRegistry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// ReleaseIfEmpty tears the room down when its last user has disconnected,
// persisting a final snapshot first. Returns true when the room was removed.
func (g *RoomRegistry) ReleaseIfEmpty(ctx context.Context, boardID string) bool {
	g.mu.Lock()
	entry, ok := g.rooms[boardID]
	if !ok || !entry.room.Empty() {
		g.mu.Unlock()
		return false
	}
	delete(g.rooms, boardID)
	g.mu.Unlock()

	g.teardown(ctx, entry)
	g.logger.Info("Room torn down", zap.String("board_id", boardID))
	return true
}

// Close tears down every room, persisting final snapshots.
func (g *RoomRegistry) Close(ctx context.Context) {
	g.mu.Lock()
	entries := make([]*registryEntry, 0, len(g.rooms))
	for _, entry := range g.rooms {
		entries = append(entries, entry)
	}
	g.rooms = make(map[string]*registryEntry)
	g.closed = true
	g.mu.Unlock()

	for _, entry := range entries {
		g.teardown(ctx, entry)
	}
}

func (g *RoomRegistry) teardown(ctx context.Context, entry *registryEntry) {
	if entry.scheduler != nil {
		entry.scheduler.Stop()
	}
	if g.fanOut != nil {
		if err := g.fanOut.Detach(entry.room); err != nil {
			g.logger.Warn("Failed to detach fan-out",
				zap.String("board_id", entry.room.BoardID()),
				zap.Error(err))
		}
	}
	g.persistRoom(entry.room)
}

// persistRoom saves the room's snapshot when the room is occupied or being
// torn down. The periodic task skips rooms that emptied between ticks.
func (g *RoomRegistry) persistRoom(room *Room) {
	if g.store == nil {
		return
	}
	elements, version := room.SnapshotState()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.store.SaveRoomSnapshot(ctx, room.BoardID(), elements, version); err != nil {
		g.logger.Error("Failed to save room snapshot",
			zap.String("board_id", room.BoardID()),
			zap.Int64("version", version),
			zap.Error(err))
	}
}
