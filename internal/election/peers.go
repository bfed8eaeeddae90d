package election

import (
	"sort"
	"time"

	"github.com/hramov/floatkeeper/internal/advert"
	"github.com/hramov/floatkeeper/internal/fsm"
)

type peerRecord struct {
	id       string
	address  string
	state    fsm.State
	priority int
	seq      uint64
	lastSeen time.Time
	// dead is set once the peer has been reported silent and cleared when it
	// is heard from again.
	dead bool
}

// peerTable is owned by the election loop.
type peerTable struct {
	window time.Duration
	peers  map[string]*peerRecord
}

func newPeerTable(window time.Duration) *peerTable {
	return &peerTable{
		window: window,
		peers:  make(map[string]*peerRecord),
	}
}

func (t *peerTable) alive(p *peerRecord, now time.Time) bool {
	return now.Sub(p.lastSeen) < t.window
}

// observe records a verified advertisement. It returns false for a replayed or
// reordered one, which must be discarded. revived is true when the sender is
// new or had been reported dead.
func (t *peerTable) observe(a advert.Advertisement, from string, now time.Time) (accepted, revived bool) {
	p, ok := t.peers[a.SenderID]
	if !ok {
		p = &peerRecord{id: a.SenderID}
		t.peers[a.SenderID] = p
		revived = true
	} else if a.Sequence <= p.seq {
		return false, false
	}

	if p.dead {
		revived = true
		p.dead = false
	}
	p.address = from
	p.state = a.State
	p.priority = a.Priority
	p.seq = a.Sequence
	p.lastSeen = now
	return true, revived
}

// expire marks peers silent for longer than the window as dead and returns
// those that just died. Records are kept for diagnostics.
func (t *peerTable) expire(now time.Time) []*peerRecord {
	var died []*peerRecord
	for _, p := range t.peers {
		if !p.dead && !t.alive(p, now) {
			p.dead = true
			died = append(died, p)
		}
	}
	return died
}

func (t *peerTable) live(now time.Time) []*peerRecord {
	var out []*peerRecord
	for _, p := range t.peers {
		if t.alive(p, now) {
			out = append(out, p)
		}
	}
	return out
}

// best returns the highest ranked of the live peers matching keep.
func (t *peerTable) best(now time.Time, keep func(*peerRecord) bool) (*peerRecord, bool) {
	var top *peerRecord
	for _, p := range t.live(now) {
		if !keep(p) {
			continue
		}
		if top == nil || outranks(p.priority, p.id, top.priority, top.id) {
			top = p
		}
	}
	return top, top != nil
}

func (t *peerTable) snapshot(now time.Time) []PeerStatus {
	out := make([]PeerStatus, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, PeerStatus{
			ID:       p.id,
			Address:  p.address,
			State:    p.state,
			Priority: p.priority,
			Sequence: p.seq,
			LastSeen: p.lastSeen,
			Alive:    t.alive(p, now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
