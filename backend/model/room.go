package model

import "sync"

// Room is one synchronized viewing session. All mutable state is guarded
// by the room's own mutex; the store only serializes creation and deletion.
type Room struct {
	mx sync.Mutex

	name        string
	videoURL    string
	currentTime float64
	isPlaying   bool
	admin       string

	members map[string]Participant
	order   []string // join order, used for roster display and failover
}

// NewRoom creates a room with the creator as its only member and admin.
func NewRoom(name, videoURL string, creator Participant) *Room {
	return &Room{
		name:     name,
		videoURL: videoURL,
		admin:    creator.ID,
		members:  map[string]Participant{creator.ID: creator},
		order:    []string{creator.ID},
	}
}

// Snapshot is the full room state sent to a joining connection.
type Snapshot struct {
	VideoURL    string  `json:"videoUrl"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	Admin       string  `json:"admin"`
	IsAdmin     bool    `json:"isAdmin"`
	UserCount   int     `json:"userCount"`
	RoomName    string  `json:"roomName"`
}

// Departure is the outcome of removing a member, including admin failover.
type Departure struct {
	Member    Participant
	WasMember bool
	WasAdmin  bool
	NewAdmin  string // set when WasAdmin and members remain
	Empty     bool
}

func (r *Room) Name() string {
	return r.name
}

// AddMember registers a participant. Adding an id that is already
// a member leaves the room unchanged.
func (r *Room) AddMember(p Participant) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.members[p.ID]; ok {
		return
	}
	r.members[p.ID] = p
	r.order = append(r.order, p.ID)
}

// Leave removes a member and, when the admin departs, promotes the
// earliest remaining joiner. Removal and failover happen under one lock
// so no observer ever sees a room whose admin is not a member.
func (r *Room) Leave(id string) Departure {
	r.mx.Lock()
	defer r.mx.Unlock()

	p, ok := r.members[id]
	if !ok {
		return Departure{}
	}
	delete(r.members, id)
	for i, mid := range r.order {
		if mid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	dep := Departure{
		Member:    p,
		WasMember: true,
		WasAdmin:  r.admin == id,
		Empty:     len(r.order) == 0,
	}
	if dep.WasAdmin && !dep.Empty {
		r.admin = r.order[0]
		dep.NewAdmin = r.admin
	}
	return dep
}

// Play updates playback state. Honored only for the current admin;
// anyone else gets a silent refusal.
func (r *Room) Play(senderID string, t float64) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.admin != senderID {
		return false
	}
	r.currentTime = t
	r.isPlaying = true
	return true
}

func (r *Room) Pause(senderID string, t float64) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.admin != senderID {
		return false
	}
	r.currentTime = t
	r.isPlaying = false
	return true
}

func (r *Room) Seek(senderID string, t float64) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.admin != senderID {
		return false
	}
	r.currentTime = t
	return true
}

func (r *Room) Snapshot(viewerID string) Snapshot {
	r.mx.Lock()
	defer r.mx.Unlock()

	return Snapshot{
		VideoURL:    r.videoURL,
		CurrentTime: r.currentTime,
		IsPlaying:   r.isPlaying,
		Admin:       r.admin,
		IsAdmin:     r.admin == viewerID,
		UserCount:   len(r.order),
		RoomName:    r.name,
	}
}

// Members returns the roster in join order.
func (r *Room) Members() []Participant {
	r.mx.Lock()
	defer r.mx.Unlock()

	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out
}

func (r *Room) MemberCount() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.order)
}

func (r *Room) Admin() string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.admin
}

// Playback returns the last authoritative playback state.
func (r *Room) Playback() (float64, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.currentTime, r.isPlaying
}
