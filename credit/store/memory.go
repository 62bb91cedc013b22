// Package store provides an in-memory credit.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dairycoop/credit-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps profiles and the transaction log in maps. Transactions are
// staged privately and committed under a short write lock with the same
// version check a SQL store performs, so different farmers never wait on
// each other for the length of an operation.
type Memory struct {
	mu           sync.RWMutex
	profiles     map[credit.FarmerID]credit.CreditProfile
	transactions map[credit.FarmerID][]credit.CreditTransaction
	runs         []credit.SettlementRun
}

func NewMemory() *Memory {
	return &Memory{
		profiles:     make(map[credit.FarmerID]credit.CreditProfile),
		transactions: make(map[credit.FarmerID][]credit.CreditTransaction),
	}
}

func (m *Memory) GetProfile(_ context.Context, farmerID credit.FarmerID) (*credit.CreditProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[farmerID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (m *Memory) ListProfiles(_ context.Context) ([]credit.CreditProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]credit.CreditProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		result = append(result, *p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FarmerID < result[j].FarmerID })
	return result, nil
}

func (m *Memory) ListTransactions(_ context.Context, q credit.TransactionQuery) ([]credit.CreditTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []credit.CreditTransaction
	collect := func(txs []credit.CreditTransaction) {
		for _, t := range txs {
			if q.Matches(t) {
				result = append(result, t)
			}
		}
	}
	if q.FarmerID != "" {
		collect(m.transactions[q.FarmerID])
	} else {
		for _, txs := range m.transactions {
			collect(txs)
		}
	}

	sort.Slice(result, func(i, j int) bool { return credit.NewerFirst(result[i], result[j]) })
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a staging view. Writes become visible only
// when fn returns nil, the context is still live and every staged profile
// still has the version it was read at.
func (m *Memory) WithTx(ctx context.Context, fn func(credit.Tx) error) error {
	view := &txView{
		parent:   m,
		profiles: make(map[credit.FarmerID]stagedProfile),
	}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) commit(view *txView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, staged := range view.profiles {
		current, exists := m.profiles[id]
		switch {
		case staged.baseVersion == 0 && exists:
			return credit.ErrConcurrentModification
		case staged.baseVersion != 0 && (!exists || current.Version != staged.baseVersion):
			return credit.ErrConcurrentModification
		}
	}

	for id, staged := range view.profiles {
		m.profiles[id] = *staged.profile.Clone()
	}
	for _, t := range view.transactions {
		m.transactions[t.FarmerID] = append(m.transactions[t.FarmerID], t)
	}
	return nil
}

type stagedProfile struct {
	baseVersion int64
	profile     *credit.CreditProfile
}

type txView struct {
	parent       *Memory
	profiles     map[credit.FarmerID]stagedProfile
	transactions []credit.CreditTransaction
}

func (tv *txView) LoadProfile(ctx context.Context, farmerID credit.FarmerID) (*credit.CreditProfile, error) {
	if staged, ok := tv.profiles[farmerID]; ok {
		return staged.profile.Clone(), nil
	}
	return tv.parent.GetProfile(ctx, farmerID)
}

func (tv *txView) SaveProfile(_ context.Context, p *credit.CreditProfile) error {
	base := p.Version
	if staged, ok := tv.profiles[p.FarmerID]; ok {
		base = staged.baseVersion
	}
	p.Version++
	tv.profiles[p.FarmerID] = stagedProfile{baseVersion: base, profile: p.Clone()}
	return nil
}

func (tv *txView) AppendTransaction(_ context.Context, t credit.CreditTransaction) error {
	tv.transactions = append(tv.transactions, t)
	return nil
}

// =============================================================================
// SETTLEMENT RUNS (credit.RunLog)
// =============================================================================

func (m *Memory) SaveSettlementRun(_ context.Context, run credit.SettlementRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListSettlementRuns(_ context.Context, status credit.RunStatus, limit int) ([]credit.SettlementRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []credit.SettlementRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if status != "" && m.runs[i].Status != status {
			continue
		}
		result = append(result, m.runs[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// =============================================================================
// TEST HELPERS
// =============================================================================

// PutProfile stores p as is, bypassing the engine. For seeding tests.
func (m *Memory) PutProfile(p credit.CreditProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	m.profiles[p.FarmerID] = *p.Clone()
}
