package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/watchsync/watchsync/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch fans events out to the outbound wires of a room's connections.
// Delivery is fire-and-forget: a receiver that does not accept the event
// within the send timeout just loses it.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(roomID, connID string) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("connID", connID).
			Msg("endpoint disconnected")
	}()

	room, ok := sw.fwd[roomID]
	if ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(sw.fwd, roomID)
		}
	}
}

func (sw *Switch) Connect(roomID, connID string, wire model.Wire) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("connID", connID).
			Msg("endpoint connected")
	}()

	room, ok := sw.fwd[roomID]
	if !ok {
		room = make(map[string]model.Wire)
	}
	room[connID] = wire
	sw.fwd[roomID] = room
}

// Broadcast delivers an event to every connected member of the room
// except ev.SRC. Server-originated events carry an empty SRC and
// therefore reach everyone.
func (sw *Switch) Broadcast(ctx context.Context, ev model.Event, roomID string) {
	ev.DST = "" // clear dst just in case
	if !sw.forward(ctx, ev, roomID) {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("type", ev.Type).
			Str("src", ev.SRC).
			Msg("broadcast did not reach anyone")
	}
}

// Send delivers an event to ev.DST within the room. An unknown or
// disconnected target means the event is silently dropped.
func (sw *Switch) Send(ctx context.Context, ev model.Event, roomID string) {
	if ev.DST == "" {
		sw.logger.Error().
			Str("roomID", roomID).
			Str("type", ev.Type).
			Msg("send without dst")
		return
	}
	sw.forward(ctx, ev, roomID)
}

func (sw *Switch) forward(ctx context.Context, ev model.Event, roomID string) bool {
	var (
		sent   bool
		logger = sw.logger.With().
			Str("roomID", roomID).
			Str("type", ev.Type).
			Str("src", ev.SRC).Logger()
	)

	sw.mx.RLock()
	room := sw.fwd[roomID]
	sw.mx.RUnlock()

	if ev.DST == "" {
		// broadcast

		for dst, wire := range room {
			if dst != ev.SRC {
				evSent, canceled := send(ctx, ev, wire.TX, &logger)
				if canceled {
					break
				}
				if evSent {
					sent = true
				}
			}
		}

	} else {
		// send to a particular endpoint

		wire, ok := room[ev.DST]
		if !ok {
			logger.Debug().Str("dst", ev.DST).Msg("cannot forward, dst not found")
		} else {
			sent, _ = send(ctx, ev, wire.TX, &logger)
		}
	}
	return sent
}

func send(ctx context.Context, ev model.Event, tx chan<- model.Event, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", ev.DST).Msg("dead endpoint")
	case tx <- ev:
		logger.Trace().Str("dst", ev.DST).Msg("event is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
