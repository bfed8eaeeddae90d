package election

import (
	"time"

	"github.com/hramov/floatkeeper/internal/fsm"
)

type PeerStatus struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	State    fsm.State `json:"state"`
	Priority int       `json:"priority"`
	Sequence uint64    `json:"sequence"`
	LastSeen time.Time `json:"lastSeen"`
	Alive    bool      `json:"alive"`
}

// Status is a read-only snapshot of a node, published by the election loop
// after every event it handles.
type Status struct {
	NodeID             string       `json:"nodeId"`
	State              fsm.State    `json:"state"`
	EffectivePriority  int          `json:"effectivePriority"`
	BasePriority       int          `json:"basePriority"`
	Adjustment         int          `json:"adjustment"`
	Healthy            bool         `json:"healthy"`
	HealthDetail       string       `json:"healthDetail,omitempty"`
	LastTransitionTime time.Time    `json:"lastTransitionTime"`
	Peers              []PeerStatus `json:"peers"`
}
