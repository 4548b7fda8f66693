package memory

import (
	"errors"
	"sync"

	"github.com/watchsync/watchsync/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

// MemStore owns all room instances. The store mutex serializes room
// creation, membership changes and deletion, so a room exists exactly
// while it has members and concurrent first-joins elect a single admin.
type MemStore struct {
	mx *sync.Mutex
	db map[string]*model.Room
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*model.Room),
	}
}

// GetOrCreate returns the room with this name, creating it on the first
// join with the joiner as admin. For an existing room the videoURL
// argument is ignored and the joiner is added as a regular member.
// The returned flag reports whether the room was created.
func (ms *MemStore) GetOrCreate(roomName, videoURL string, joiner model.Participant) (*model.Room, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomName]
	if !ok {
		room = model.NewRoom(roomName, videoURL, joiner)
		ms.db[roomName] = room
		return room, true
	}
	room.AddMember(joiner)
	return room, false
}

func (ms *MemStore) Get(roomName string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomName]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Leave removes the participant from the room, running admin failover
// inside the room, and deletes the room when its last member departs.
// An unknown room yields an empty departure.
func (ms *MemStore) Leave(roomName, connID string) (*model.Room, model.Departure) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomName]
	if !ok {
		return nil, model.Departure{}
	}
	dep := room.Leave(connID)
	if dep.Empty {
		delete(ms.db, roomName)
	}
	return room, dep
}

// Delete removes a room. Deleting an absent name is a no-op.
func (ms *MemStore) Delete(roomName string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	delete(ms.db, roomName)
}

// Rooms lists all rooms with their member counts.
func (ms *MemStore) Rooms() []model.RoomInfo {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	out := make([]model.RoomInfo, 0, len(ms.db))
	for name, room := range ms.db {
		out = append(out, model.RoomInfo{Name: name, MemberCount: room.MemberCount()})
	}
	return out
}
