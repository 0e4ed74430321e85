package ledger

import (
	"sync"

	"crosslink/internal/core"
)

// shard holds the authoritative state for a single (onBehalfOf, instrument)
// key. All reads and writes go through mu so that update emission order
// matches mutation order for the key.
type shard struct {
	mu    sync.Mutex
	state core.PositionState
}

func newShard(key core.Key) *shard {
	return &shard{
		state: core.PositionState{
			Key:         key,
			RecentFills: []core.FillRecord{},
		},
	}
}

// clone returns a deep copy of the shard state. Callers must hold mu.
func (s *shard) clone() core.PositionState {
	cp := s.state
	if s.state.CurrentTarget != nil {
		t := *s.state.CurrentTarget
		cp.CurrentTarget = &t
	}
	cp.RecentFills = make([]core.FillRecord, len(s.state.RecentFills))
	copy(cp.RecentFills, s.state.RecentFills)
	return cp
}

// hasFill reports whether a fill with the given id is already recorded.
// Callers must hold mu.
func (s *shard) hasFill(id int64) bool {
	for i := range s.state.RecentFills {
		if s.state.RecentFills[i].ID == id {
			return true
		}
	}
	return false
}

// appendFill records a fill, evicting the oldest entry when the window is
// full. Callers must hold mu.
func (s *shard) appendFill(rec core.FillRecord, cap int) {
	if cap <= 0 {
		return
	}
	if len(s.state.RecentFills) >= cap {
		s.state.RecentFills = s.state.RecentFills[1:]
	}
	s.state.RecentFills = append(s.state.RecentFills, rec)
}
