// Package utxo tracks the spendable fragments of a vault and selects,
// reserves and consumes them for outgoing payments.
package utxo

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"treasury/pkg/models"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicateFragment = errors.New("duplicate fragment")
	ErrUnknownFragment   = errors.New("unknown fragment")
	ErrAlreadyReserved   = errors.New("owner already holds a reservation")
	ErrNoReservation     = errors.New("owner holds no reservation")
)

type Strategy string

const (
	LargestFirst  Strategy = "largest_first"
	SmallestFirst Strategy = "smallest_first"
	Random        Strategy = "random"
)

// FeeModel prices a payment by its weight: (overhead + inputs*in + outputs*out) * rate.
type FeeModel struct {
	Overhead     int64
	InputWeight  int64
	OutputWeight int64
	DustFloor    int64
}

func (f FeeModel) Estimate(inputs, outputs int, feeRate int64) int64 {
	if feeRate < 0 {
		feeRate = 0
	}
	return (f.Overhead + int64(inputs)*f.InputWeight + int64(outputs)*f.OutputWeight) * feeRate
}

type Options struct {
	MinConfirmations int
	Strategy         Strategy
	Seed             int64
	Fees             FeeModel
}

// Selection is the funding of one payment. Change is zero when it fell below the dust floor.
type Selection struct {
	Fragments []models.Fragment `json:"fragments"`
	Total     int64             `json:"total"`
	Fee       int64             `json:"fee"`
	Change    int64             `json:"change"`
}

func (s Selection) Outpoints() []models.Outpoint {
	out := make([]models.Outpoint, 0, len(s.Fragments))
	for _, f := range s.Fragments {
		out = append(out, f.Outpoint())
	}
	return out
}

// Manager keeps every fragment in exactly one of available, reserved or spent.
type Manager struct {
	mu         sync.Mutex
	opts       Options
	src        *rand.PCG
	rng        *rand.Rand
	available  map[models.Outpoint]models.Fragment
	reserved   map[uint64]Selection
	spent      map[models.Outpoint]struct{}
	finalized  int64
	totalAdded int64
}

func NewManager(opts Options) *Manager {
	if opts.Strategy == "" {
		opts.Strategy = LargestFirst
	}
	src := rand.NewPCG(uint64(opts.Seed), 0)
	return &Manager{
		opts:      opts,
		src:       src,
		rng:       rand.New(src),
		available: map[models.Outpoint]models.Fragment{},
		reserved:  map[uint64]Selection{},
		spent:     map[models.Outpoint]struct{}{},
	}
}

func (m *Manager) Options() Options {
	return m.opts
}

// Add deposits a fragment. An outpoint is accepted at most once over the manager's lifetime.
func (m *Manager) Add(f models.Fragment) error {
	if f.Amount <= 0 {
		return fmt.Errorf("%w: fragment amount %d", ErrInvalidAmount, f.Amount)
	}
	if f.TxID == "" {
		return fmt.Errorf("%w: txid required", ErrUnknownFragment)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op := f.Outpoint()
	if m.knownLocked(op) {
		return fmt.Errorf("%w: %s", ErrDuplicateFragment, op)
	}
	m.available[op] = f
	m.totalAdded += f.Amount
	return nil
}

// SetConfirmations refreshes the depth of an available or reserved fragment.
func (m *Manager) SetConfirmations(op models.Outpoint, confirmations int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.available[op]; ok {
		f.Confirmations = confirmations
		m.available[op] = f
		return nil
	}
	for owner, sel := range m.reserved {
		for i := range sel.Fragments {
			if sel.Fragments[i].Outpoint() == op {
				sel.Fragments[i].Confirmations = confirmations
				m.reserved[owner] = sel
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownFragment, op)
}

// Select picks fragments covering target plus the fee of a two-output payment. Nothing is reserved.
func (m *Manager) Select(target, feeRate int64) (Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectLocked(target, feeRate)
}

func (m *Manager) EstimateFee(inputs, outputs int, feeRate int64) int64 {
	return m.opts.Fees.Estimate(inputs, outputs, feeRate)
}

// Reserve selects and moves fragments to owner in one step.
func (m *Manager) Reserve(owner uint64, target, feeRate int64) (Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reserved[owner]; ok {
		return Selection{}, fmt.Errorf("%w: %d", ErrAlreadyReserved, owner)
	}
	sel, err := m.selectLocked(target, feeRate)
	if err != nil {
		return Selection{}, err
	}
	for _, f := range sel.Fragments {
		delete(m.available, f.Outpoint())
	}
	m.reserved[owner] = sel
	return cloneSelection(sel), nil
}

// Release returns the fragments held by owner to the available set.
func (m *Manager) Release(owner uint64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, ok := m.reserved[owner]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNoReservation, owner)
	}
	for _, f := range sel.Fragments {
		m.available[f.Outpoint()] = f
	}
	delete(m.reserved, owner)
	return sel.Total, nil
}

// Finalize consumes the fragments held by owner permanently.
func (m *Manager) Finalize(owner uint64) (Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, ok := m.reserved[owner]
	if !ok {
		return Selection{}, fmt.Errorf("%w: %d", ErrNoReservation, owner)
	}
	for _, f := range sel.Fragments {
		m.spent[f.Outpoint()] = struct{}{}
	}
	m.finalized += sel.Total
	delete(m.reserved, owner)
	return sel, nil
}

func (m *Manager) Reservation(owner uint64) (Selection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, ok := m.reserved[owner]
	if !ok {
		return Selection{}, false
	}
	return cloneSelection(sel), true
}

// Available returns the available fragments ordered by outpoint.
func (m *Manager) Available() []models.Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Fragment, 0, len(m.available))
	for _, f := range m.available {
		out = append(out, f)
	}
	sortByOutpoint(out)
	return out
}

func (m *Manager) Balance() models.UTXOBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b models.UTXOBalance
	for _, f := range m.available {
		b.Available += f.Amount
		b.AvailableCount++
	}
	for _, sel := range m.reserved {
		b.Reserved += sel.Total
		b.ReservedCount += len(sel.Fragments)
	}
	b.Finalized = m.finalized
	b.TotalAdded = m.totalAdded
	return b
}

func (m *Manager) selectLocked(target, feeRate int64) (Selection, error) {
	if target <= 0 {
		return Selection{}, fmt.Errorf("%w: target %d", ErrInvalidAmount, target)
	}
	candidates := make([]models.Fragment, 0, len(m.available))
	for _, f := range m.available {
		if f.Confirmations >= m.opts.MinConfirmations {
			candidates = append(candidates, f)
		}
	}
	m.order(candidates)

	var sel Selection
	for _, f := range candidates {
		sel.Fragments = append(sel.Fragments, f)
		sel.Total += f.Amount
		fee := m.opts.Fees.Estimate(len(sel.Fragments), 2, feeRate)
		if sel.Total < target+fee {
			continue
		}
		sel.Fee = fee
		sel.Change = sel.Total - target - fee
		if sel.Change < m.opts.Fees.DustFloor {
			sel.Fee += sel.Change
			sel.Change = 0
		}
		return sel, nil
	}
	need := target + m.opts.Fees.Estimate(len(candidates), 2, feeRate)
	return Selection{}, fmt.Errorf("%w: need %d, spendable %d", ErrInsufficientFunds, need, sel.Total)
}

func (m *Manager) order(fragments []models.Fragment) {
	sortByOutpoint(fragments)
	switch m.opts.Strategy {
	case SmallestFirst:
		sort.SliceStable(fragments, func(i, j int) bool { return fragments[i].Amount < fragments[j].Amount })
	case Random:
		m.rng.Shuffle(len(fragments), func(i, j int) { fragments[i], fragments[j] = fragments[j], fragments[i] })
	default:
		sort.SliceStable(fragments, func(i, j int) bool { return fragments[i].Amount > fragments[j].Amount })
	}
}

func (m *Manager) knownLocked(op models.Outpoint) bool {
	if _, ok := m.available[op]; ok {
		return true
	}
	if _, ok := m.spent[op]; ok {
		return true
	}
	for _, sel := range m.reserved {
		for _, f := range sel.Fragments {
			if f.Outpoint() == op {
				return true
			}
		}
	}
	return false
}

func sortByOutpoint(fragments []models.Fragment) {
	sort.Slice(fragments, func(i, j int) bool {
		if fragments[i].TxID != fragments[j].TxID {
			return fragments[i].TxID < fragments[j].TxID
		}
		return fragments[i].Index < fragments[j].Index
	})
}

func cloneSelection(s Selection) Selection {
	s.Fragments = append([]models.Fragment(nil), s.Fragments...)
	return s
}
