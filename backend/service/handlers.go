package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/watchsync/watchsync/backend/model"
	"github.com/watchsync/watchsync/backend/registry"
)

// handleEvents is the per-connection event loop. Handlers run to
// completion one at a time for a given connection; shared room state is
// guarded by the store and per-room locks.
func (svc *Service) handleEvents(ctx context.Context, connID string, wire model.Wire) {
	logger := svc.logger.With().Str("connID", connID).Logger()
evLoop:
	for {
		select {
		case <-ctx.Done():
			break evLoop
		case ev, ok := <-wire.RX:
			if !ok {
				break evLoop
			}
			switch ev.Type {
			case model.EventJoinRoom:
				svc.handleJoin(ctx, connID, wire, ev.Payload)
			case model.EventPlay, model.EventPause, model.EventSeek:
				svc.handlePlayback(ctx, connID, ev.Type, ev.Payload)
			case model.EventStartVoice:
				svc.handleStartVoice(ctx, connID)
			case model.EventVoiceStatus:
				svc.handleVoiceStatus(ctx, connID, ev.Payload)
			case model.EventOffer, model.EventAnswer, model.EventICECandidate:
				svc.handleSignal(ctx, connID, ev.Type, ev.Payload)
			default:
				logger.Trace().Msg("unhandled event: " + spew.Sdump(ev))
			}
		}
	}
	logger.Debug().Msg("event loop finished")
}

// handleJoin runs the join sequence: bind identity, register membership,
// attach the wire, then snapshot to the joiner, roster to everyone and a
// new-arrival notice to pre-existing members, in that order.
func (svc *Service) handleJoin(ctx context.Context, connID string, wire model.Wire, payload json.RawMessage) {
	var req model.JoinRoomPayload
	_ = json.Unmarshal(payload, &req) // missing fields fall back to defaults
	if req.Room == "" {
		svc.logger.Debug().
			Str("connID", connID).
			Msg("join without room name ignored")
		return
	}
	if req.Username == "" {
		req.Username = fallbackUsername(connID)
	}

	// the connection lock is held across the whole join sequence so
	// disconnect processing can never interleave with it
	st := svc.conn(connID)
	if st == nil {
		svc.logger.Debug().
			Str("connID", connID).
			Msg("join from unknown session ignored")
		return
	}
	st.mx.Lock()
	defer st.mx.Unlock()
	if st.closed {
		svc.logger.Debug().
			Str("connID", connID).
			Msg("join from closed session ignored")
		return
	}

	if err := svc.reg.Bind(connID, req.Room, req.Username); err != nil {
		if errors.Is(err, registry.ErrAlreadyBound) {
			// no room switching, a second join is ignored
			svc.logger.Debug().
				Str("connID", connID).
				Str("roomID", req.Room).
				Msg("repeated join ignored")
			return
		}
		svc.logger.Error().Err(err).Msg("bind failed")
		return
	}

	room, created := svc.store.GetOrCreate(req.Room, req.VideoURL, model.Participant{
		ID:       connID,
		Username: req.Username,
		JoinedAt: time.Now(),
	})
	svc.sw.Connect(req.Room, connID, wire)

	svc.send(ctx, req.Room, connID, model.EventInitVideo, room.Snapshot(connID))
	svc.broadcastRoomInfo(ctx, room)
	svc.broadcast(ctx, req.Room, connID, model.EventUserJoined, model.UserPayload{
		UserID:   connID,
		Username: req.Username,
	})

	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", req.Room).
		Str("username", req.Username).
		Bool("created", created).
		Msg("user joined room")
}

// handlePlayback applies an admin-gated play/pause/seek. Events from
// unjoined senders or non-admins are dropped without any reply.
func (svc *Service) handlePlayback(ctx context.Context, connID, eventType string, payload json.RawMessage) {
	sess, ok := svc.reg.IdentityOf(connID)
	if !ok {
		return
	}
	room, err := svc.store.Get(sess.Room)
	if err != nil {
		return
	}

	var t float64
	_ = json.Unmarshal(payload, &t) // malformed time defaults to 0

	var honored bool
	switch eventType {
	case model.EventPlay:
		honored = room.Play(connID, t)
	case model.EventPause:
		honored = room.Pause(connID, t)
	case model.EventSeek:
		honored = room.Seek(connID, t)
	}
	if !honored {
		svc.logger.Debug().
			Str("connID", connID).
			Str("roomID", sess.Room).
			Str("type", eventType).
			Msg("playback event from non-admin dropped")
		return
	}
	svc.broadcast(ctx, sess.Room, connID, eventType, t)
}

func (svc *Service) handleStartVoice(ctx context.Context, connID string) {
	sess, ok := svc.reg.IdentityOf(connID)
	if !ok {
		return
	}
	svc.broadcast(ctx, sess.Room, connID, model.EventUserWantsVoice, connID)
}

func (svc *Service) handleVoiceStatus(ctx context.Context, connID string, payload json.RawMessage) {
	sess, ok := svc.reg.IdentityOf(connID)
	if !ok {
		return
	}
	var req model.VoiceStatusPayload
	_ = json.Unmarshal(payload, &req)
	svc.broadcast(ctx, sess.Room, connID, model.EventUserVoiceStatus, model.UserVoiceStatusPayload{
		UserID:   connID,
		Username: sess.Username,
		IsActive: req.IsActive,
	})
}

// handleSignal relays an offer/answer/ICE payload to one target within
// the sender's room, tagging the sender. No authorization: anyone in the
// room may signal any identifier it learned from the roster.
func (svc *Service) handleSignal(ctx context.Context, connID, eventType string, payload json.RawMessage) {
	sess, ok := svc.reg.IdentityOf(connID)
	if !ok {
		return
	}
	var sig model.SignalPayload
	_ = json.Unmarshal(payload, &sig)
	if sig.To == "" {
		svc.logger.Debug().
			Str("connID", connID).
			Str("type", eventType).
			Msg("signal without target dropped")
		return
	}
	svc.send(ctx, sess.Room, sig.To, eventType, model.RelayedSignalPayload{
		From:      connID,
		Offer:     sig.Offer,
		Answer:    sig.Answer,
		Candidate: sig.Candidate,
	})
}
