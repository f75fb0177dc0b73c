package utxo

import "treasury/pkg/models"

// Snapshot is the persisted form of a Manager.
type Snapshot struct {
	Available  []models.Fragment    `json:"available"`
	Reserved   map[uint64]Selection `json:"reserved"`
	Spent      []models.Outpoint    `json:"spent"`
	Finalized  int64                `json:"finalized"`
	TotalAdded int64                `json:"total_added"`
	RandState  []byte               `json:"rand_state,omitempty"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Reserved:   make(map[uint64]Selection, len(m.reserved)),
		Finalized:  m.finalized,
		TotalAdded: m.totalAdded,
	}
	if state, err := m.src.MarshalBinary(); err == nil {
		snap.RandState = state
	}
	for _, f := range m.available {
		snap.Available = append(snap.Available, f)
	}
	sortByOutpoint(snap.Available)
	for owner, sel := range m.reserved {
		snap.Reserved[owner] = cloneSelection(sel)
	}
	for op := range m.spent {
		snap.Spent = append(snap.Spent, op)
	}
	return snap
}

// Restore rebuilds a manager. The random source resumes from the saved state,
// or from the configured seed when none was saved.
func Restore(opts Options, snap Snapshot) *Manager {
	m := NewManager(opts)
	for _, f := range snap.Available {
		m.available[f.Outpoint()] = f
	}
	for owner, sel := range snap.Reserved {
		m.reserved[owner] = cloneSelection(sel)
	}
	for _, op := range snap.Spent {
		m.spent[op] = struct{}{}
	}
	m.finalized = snap.Finalized
	m.totalAdded = snap.TotalAdded
	if len(snap.RandState) > 0 {
		_ = m.src.UnmarshalBinary(snap.RandState)
	}
	return m
}

// Clone copies the manager. The copy draws from its own random source, which
// starts at the position of the original.
func (m *Manager) Clone() *Manager {
	return Restore(m.opts, m.Snapshot())
}
