package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

const (
	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no ambiguous characters
)

// Room is the metadata of a call room. Live participants are tracked by the
// hub, not the store.
type Room struct {
	ID        string    `json:"roomId"`
	Code      string    `json:"code"`
	CreatorID string    `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists rooms. Lookups accept either the room id or its code.
type Store interface {
	Create(ctx context.Context, room Room, ttl time.Duration) error
	Get(ctx context.Context, idOrCode string) (Room, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// generateRoomCode returns a random shareable room code.
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// MemoryStore keeps rooms in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]memoryEntry
	codes   map[string]string
	nowFunc func() time.Time
}

type memoryEntry struct {
	room    Room
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string]memoryEntry),
		codes:   make(map[string]string),
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, room Room, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = memoryEntry{room: room, expires: s.nowFunc().Add(ttl)}
	s.codes[room.Code] = room.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, idOrCode string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := idOrCode
	if len(idOrCode) == roomCodeLength {
		if mapped, ok := s.codes[idOrCode]; ok {
			id = mapped
		}
	}
	e, ok := s.rooms[id]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	if s.nowFunc().After(e.expires) {
		delete(s.rooms, id)
		delete(s.codes, e.room.Code)
		return Room{}, ErrRoomNotFound
	}
	return e.room, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, id)
	delete(s.codes, e.room.Code)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
