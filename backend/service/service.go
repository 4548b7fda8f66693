package service

import (
	"context"
	"errors"
	"sync"

	"github.com/watchsync/watchsync/backend/model"
	"github.com/watchsync/watchsync/backend/registry"
	"github.com/rs/zerolog"
)

var (
	ErrEventBuild = errors.New("unable to build outbound event")
)

type (
	RoomStore interface {
		GetOrCreate(roomName, videoURL string, joiner model.Participant) (*model.Room, bool)
		Get(roomName string) (*model.Room, error)
		Leave(roomName, connID string) (*model.Room, model.Departure)
		Rooms() []model.RoomInfo
	}

	Broadcaster interface {
		Connect(roomID, connID string, wire model.Wire)
		Disconnect(roomID, connID string)
		Broadcast(ctx context.Context, ev model.Event, roomID string)
		Send(ctx context.Context, ev model.Event, roomID string)
	}

	ConnRegistry interface {
		Bind(connID, room, username string) error
		IdentityOf(connID string) (registry.Session, bool)
		Unbind(connID string) (registry.Session, bool)
	}

	// connState serializes join and disconnect processing for one
	// connection. The transport delivers the disconnect on its own
	// goroutine, so without this lock a disconnect could slip between
	// the registry bind and the room registration of an in-flight join
	// and leave behind a memberless ghost room or a dead wire.
	connState struct {
		mx     sync.Mutex
		closed bool
	}

	Service struct {
		store  RoomStore
		sw     Broadcaster
		reg    ConnRegistry
		logger zerolog.Logger

		mx    sync.Mutex
		conns map[string]*connState
	}

	Config struct {
		RoomStore RoomStore
		Switch    Broadcaster
		Registry  ConnRegistry
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		reg:    cfg.Registry,
		logger: cfg.Logger.With().Str("component", "coordinator").Logger(),
		conns:  make(map[string]*connState),
	}
}

// CreateSession starts event processing for a freshly accepted connection.
// The connection is not in any room yet; it has to send join-room first.
func (svc *Service) CreateSession(ctx context.Context, connID string, wire model.Wire) {
	svc.mx.Lock()
	svc.conns[connID] = &connState{}
	svc.mx.Unlock()

	svc.logger.Debug().
		Str("connID", connID).
		Msg("session created")
	go svc.handleEvents(ctx, connID, wire)
}

func (svc *Service) conn(connID string) *connState {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	return svc.conns[connID]
}

func (svc *Service) dropConn(connID string) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	delete(svc.conns, connID)
}

// DeleteSession runs disconnect processing: membership removal, admin
// failover and departure broadcasts. Called exactly once per connection
// by the transport, but safe against a second invocation. Teardown holds
// the connection lock for its whole duration, so it never interleaves
// with an in-flight join of the same connection.
func (svc *Service) DeleteSession(ctx context.Context, connID string) {
	st := svc.conn(connID)
	if st == nil {
		// already torn down
		return
	}
	st.mx.Lock()
	defer func() {
		st.mx.Unlock()
		svc.dropConn(connID)
	}()
	if st.closed {
		return
	}
	st.closed = true

	sess, ok := svc.reg.Unbind(connID)
	if !ok {
		// never joined a room, nothing to tear down
		return
	}
	svc.sw.Disconnect(sess.Room, connID)

	room, dep := svc.store.Leave(sess.Room, connID)
	if !dep.WasMember {
		return
	}
	if dep.Empty {
		svc.logger.Debug().
			Str("roomID", sess.Room).
			Str("connID", connID).
			Msg("last member left, room deleted")
		return
	}

	// Failover completes before any roster update goes out, so every
	// subsequent snapshot shows a room with a valid admin.
	if dep.WasAdmin {
		promote, err := model.NewEvent(model.EventNowAdmin, nil)
		if err == nil {
			promote.DST = dep.NewAdmin
			svc.sw.Send(ctx, promote, sess.Room)
		}
		svc.broadcast(ctx, sess.Room, "", model.EventAdminChanged, model.AdminChangedPayload{
			OldAdmin: connID,
			NewAdmin: dep.NewAdmin,
		})
		svc.logger.Debug().
			Str("roomID", sess.Room).
			Str("oldAdmin", connID).
			Str("newAdmin", dep.NewAdmin).
			Msg("admin reassigned")
	}

	svc.broadcast(ctx, sess.Room, "", model.EventUserLeft, model.UserPayload{
		UserID:   connID,
		Username: dep.Member.Username,
	})
	svc.broadcastRoomInfo(ctx, room)

	svc.logger.Debug().
		Str("roomID", sess.Room).
		Str("connID", connID).
		Msg("session deleted")
}

// RoomList exposes room summaries for the status API.
func (svc *Service) RoomList() []model.RoomInfo {
	return svc.store.Rooms()
}

// broadcast marshals a payload and fans it out to the room. src equal to
// a member id excludes that member; an empty src reaches everyone.
func (svc *Service) broadcast(ctx context.Context, roomID, src, eventType string, payload any) {
	ev, err := model.NewEvent(eventType, payload)
	if err != nil {
		svc.logger.Error().Err(errors.Join(ErrEventBuild, err)).
			Str("type", eventType).
			Msg("broadcast skipped")
		return
	}
	ev.SRC = src
	svc.sw.Broadcast(ctx, ev, roomID)
}

func (svc *Service) send(ctx context.Context, roomID, dst, eventType string, payload any) {
	ev, err := model.NewEvent(eventType, payload)
	if err != nil {
		svc.logger.Error().Err(errors.Join(ErrEventBuild, err)).
			Str("type", eventType).
			Msg("send skipped")
		return
	}
	ev.DST = dst
	svc.sw.Send(ctx, ev, roomID)
}

func (svc *Service) broadcastRoomInfo(ctx context.Context, room *model.Room) {
	users := room.Members()
	svc.broadcast(ctx, room.Name(), "", model.EventRoomInfoUpdate, model.RoomInfoPayload{
		RoomName:  room.Name(),
		UserCount: len(users),
		Users:     users,
	})
}

func fallbackUsername(connID string) string {
	id := connID
	if len(id) > 6 {
		id = id[:6]
	}
	return "User_" + id
}
