package model

import (
	"encoding/json"
	"time"
)

// Event types sent by clients.
const (
	EventJoinRoom     = "join-room"
	EventPlay         = "play"
	EventPause        = "pause"
	EventSeek         = "seek"
	EventStartVoice   = "start-voice"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventVoiceStatus  = "voice-status"
)

// Event types sent by server.
const (
	EventInitVideo       = "init-video"
	EventRoomInfoUpdate  = "room-info-update"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventNowAdmin        = "you-are-now-admin"
	EventAdminChanged    = "admin-changed"
	EventUserWantsVoice  = "user-wants-voice"
	EventUserVoiceStatus = "user-voice-status"
)

type Event struct {
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an outbound event with a marshalled payload.
// A nil payload produces an event without payload.
func NewEvent(eventType string, payload any) (Event, error) {
	ev := Event{Type: eventType}
	if payload == nil {
		return ev, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ev, err
	}
	ev.Payload = b
	return ev, nil
}

type Wire struct {
	RX chan Event
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Event),
		TX: make(chan Event),
	}
}

type Participant struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Inbound payloads.

type JoinRoomPayload struct {
	Room     string `json:"room"`
	VideoURL string `json:"videoUrl"`
	Username string `json:"username"`
}

type SignalPayload struct {
	To        string          `json:"to"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type VoiceStatusPayload struct {
	Room     string `json:"room"`
	IsActive bool   `json:"isActive"`
}

// Outbound payloads.

type RoomInfoPayload struct {
	RoomName  string        `json:"roomName"`
	UserCount int           `json:"userCount"`
	Users     []Participant `json:"users"`
}

type UserPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type AdminChangedPayload struct {
	OldAdmin string `json:"oldAdmin"`
	NewAdmin string `json:"newAdmin"`
}

type RelayedSignalPayload struct {
	From      string          `json:"from"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type UserVoiceStatusPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsActive bool   `json:"isActive"`
}

// RoomInfo is a room summary row for the status API.
type RoomInfo struct {
	Name        string `json:"name"`
	MemberCount int    `json:"userCount"`
}
