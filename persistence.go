package boardsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// RoomSnapshot is a persisted point-in-time copy of a room's element map.
type RoomSnapshot struct {
	BoardID  string     `bson:"_id" json:"boardId"`
	Elements []*Element `bson:"elements" json:"elements"`
	Version  int64      `bson:"version" json:"version"`
	SavedAt  time.Time  `bson:"saved_at" json:"savedAt"`
}

// SnapshotStore is the persistence collaborator. The registry loads once at
// room creation and saves on the periodic timer and on empty-room teardown,
// bounding data loss on abrupt termination without a write per edit.
type SnapshotStore interface {
	// LoadRoomSnapshot returns the stored snapshot, or nil when the board has
	// none.
	LoadRoomSnapshot(ctx context.Context, boardID string) (*RoomSnapshot, error)

	// SaveRoomSnapshot upserts the board's snapshot.
	SaveRoomSnapshot(ctx context.Context, boardID string, elements []*Element, version int64) error

	// Close releases store resources.
	Close() error
}

// MongoSnapshotStore is the MongoDB snapshot store.
type MongoSnapshotStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoSnapshotStore creates a snapshot store on the given collection and
// ensures its indexes.
func NewMongoSnapshotStore(ctx context.Context, client *mongo.Client, database, collection string, logger *zap.Logger) (*MongoSnapshotStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	coll := client.Database(database).Collection(collection)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "saved_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoSnapshotStore{
		collection: coll,
		logger:     logger,
	}, nil
}

// LoadRoomSnapshot returns the stored snapshot, or nil when the board has
// none.
func (s *MongoSnapshotStore) LoadRoomSnapshot(ctx context.Context, boardID string) (*RoomSnapshot, error) {
	var snapshot RoomSnapshot
	err := s.collection.FindOne(ctx, bson.M{"_id": boardID}).Decode(&snapshot)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find snapshot: %w", err)
	}

	s.logger.Debug("Loaded room snapshot",
		zap.String("board_id", boardID),
		zap.Int64("version", snapshot.Version),
		zap.Int("element_count", len(snapshot.Elements)))

	return &snapshot, nil
}

// SaveRoomSnapshot upserts the board's snapshot.
func (s *MongoSnapshotStore) SaveRoomSnapshot(ctx context.Context, boardID string, elements []*Element, version int64) error {
	snapshot := RoomSnapshot{
		BoardID:  boardID,
		Elements: elements,
		Version:  version,
		SavedAt:  time.Now(),
	}

	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": boardID}, snapshot,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.logger.Info("Room snapshot saved",
		zap.String("board_id", boardID),
		zap.Int64("version", version),
		zap.Int("element_count", len(elements)))

	return nil
}

// Close releases store resources. The MongoDB client is owned by the caller.
func (s *MongoSnapshotStore) Close() error {
	return nil
}

// MemorySnapshotStore is an in-memory snapshot store for tests and
// single-process deployments.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*RoomSnapshot
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string]*RoomSnapshot),
	}
}

// LoadRoomSnapshot returns the stored snapshot, or nil when the board has
// none.
func (s *MemorySnapshotStore) LoadRoomSnapshot(ctx context.Context, boardID string) (*RoomSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[boardID]
	if !ok {
		return nil, nil
	}
	cp := *snapshot
	cp.Elements = make([]*Element, len(snapshot.Elements))
	for i, e := range snapshot.Elements {
		cp.Elements[i] = e.Clone()
	}
	return &cp, nil
}

// SaveRoomSnapshot upserts the board's snapshot.
func (s *MemorySnapshotStore) SaveRoomSnapshot(ctx context.Context, boardID string, elements []*Element, version int64) error {
	copied := make([]*Element, len(elements))
	for i, e := range elements {
		copied[i] = e.Clone()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[boardID] = &RoomSnapshot{
		BoardID:  boardID,
		Elements: copied,
		Version:  version,
		SavedAt:  time.Now(),
	}
	return nil
}

// Close releases store resources.
func (s *MemorySnapshotStore) Close() error {
	return nil
}
