// Package store provides an in-memory credit.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kiteflow/credit-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements credit.TxStore and credit.Writer. Uniqueness of
// credits per order-item is enforced by the byOrderItem index.
type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	services    map[credit.ServiceID]credit.Service
	packages    map[credit.PackageID]credit.ServicePackage
	orders      map[credit.OrderID]credit.Order
	orderItems  map[credit.OrderItemID]credit.OrderItem
	credits     map[credit.CreditID]credit.Credit
	byOrderItem map[credit.OrderItemID]credit.CreditID
	appts       map[credit.AppointmentID]credit.Consumption
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func newState() state {
	return state{
		services:    make(map[credit.ServiceID]credit.Service),
		packages:    make(map[credit.PackageID]credit.ServicePackage),
		orders:      make(map[credit.OrderID]credit.Order),
		orderItems:  make(map[credit.OrderItemID]credit.OrderItem),
		credits:     make(map[credit.CreditID]credit.Credit),
		byOrderItem: make(map[credit.OrderItemID]credit.CreditID),
		appts:       make(map[credit.AppointmentID]credit.Consumption),
	}
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn while holding the write lock. On error the state is
// restored from a snapshot taken before fn ran.
func (m *Memory) WithTx(_ context.Context, fn func(credit.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *state) clone() state {
	c := newState()
	for k, v := range s.services {
		c.services[k] = v
	}
	for k, v := range s.packages {
		c.packages[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderItems {
		c.orderItems[k] = v
	}
	for k, v := range s.credits {
		c.credits[k] = v
	}
	for k, v := range s.byOrderItem {
		c.byOrderItem[k] = v
	}
	for k, v := range s.appts {
		c.appts[k] = v
	}
	return c
}

// =============================================================================
// LOCKED ENTRY POINTS (credit.Store)
// =============================================================================

func (m *Memory) GetOrder(ctx context.Context, id credit.OrderID) (*credit.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetOrder(ctx, id)
}

func (m *Memory) GetOrderItem(ctx context.Context, id credit.OrderItemID) (*credit.OrderItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetOrderItem(ctx, id)
}

func (m *Memory) GetService(ctx context.Context, id credit.ServiceID) (*credit.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetService(ctx, id)
}

func (m *Memory) GetServicePackage(ctx context.Context, id credit.PackageID) (*credit.ServicePackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetServicePackage(ctx, id)
}

func (m *Memory) OrderItemsForOrder(ctx context.Context, id credit.OrderID) ([]credit.OrderItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.OrderItemsForOrder(ctx, id)
}

func (m *Memory) InsertOrderItem(ctx context.Context, item credit.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertOrderItem(ctx, item)
}

func (m *Memory) SetOrderStatus(ctx context.Context, id credit.OrderID, status credit.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SetOrderStatus(ctx, id, status)
}

func (m *Memory) CreditForOrderItem(ctx context.Context, id credit.OrderItemID) (*credit.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CreditForOrderItem(ctx, id)
}

func (m *Memory) InsertCredit(ctx context.Context, c credit.Credit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertCredit(ctx, c)
}

func (m *Memory) GetCredit(ctx context.Context, id credit.CreditID) (*credit.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetCredit(ctx, id)
}

func (m *Memory) ListCredits(ctx context.Context, f credit.CreditFilter) ([]credit.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListCredits(ctx, f)
}

func (m *Memory) DeleteCreditsByOrderItems(ctx context.Context, ids []credit.OrderItemID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteCreditsByOrderItems(ctx, ids)
}

func (m *Memory) ListOrphans(ctx context.Context, f credit.OrphanFilter) ([]credit.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListOrphans(ctx, f)
}

func (m *Memory) AttachOrphans(ctx context.Context, c credit.Credit) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AttachOrphans(ctx, c)
}

func (m *Memory) AttachConsumptions(ctx context.Context, id credit.CreditID, ids []credit.AppointmentID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AttachConsumptions(ctx, id, ids)
}

func (m *Memory) ConsumptionsForCredit(ctx context.Context, id credit.CreditID) ([]credit.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ConsumptionsForCredit(ctx, id)
}

// =============================================================================
// WRITER (credit.Writer)
// =============================================================================

func (m *Memory) SaveService(_ context.Context, s credit.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = s
	return nil
}

func (m *Memory) SaveServicePackage(_ context.Context, p credit.ServicePackage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packages[p.ID] = p
	return nil
}

func (m *Memory) SaveOrder(_ context.Context, o credit.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

// SaveAppointment upserts c. A credit link, once set, is kept.
func (m *Memory) SaveAppointment(_ context.Context, c credit.Consumption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.appts[c.ID]; ok && prev.CreditID != nil {
		c.CreditID = prev.CreditID
	}
	m.appts[c.ID] = c
	return nil
}

// =============================================================================
// UNLOCKED STATE (used directly inside WithTx)
// =============================================================================

func (s *state) GetOrder(_ context.Context, id credit.OrderID) (*credit.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *state) GetOrderItem(_ context.Context, id credit.OrderItemID) (*credit.OrderItem, error) {
	it, ok := s.orderItems[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (s *state) GetService(_ context.Context, id credit.ServiceID) (*credit.Service, error) {
	svc, ok := s.services[id]
	if !ok {
		return nil, nil
	}
	return &svc, nil
}

func (s *state) GetServicePackage(_ context.Context, id credit.PackageID) (*credit.ServicePackage, error) {
	p, ok := s.packages[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) OrderItemsForOrder(_ context.Context, id credit.OrderID) ([]credit.OrderItem, error) {
	var out []credit.OrderItem
	for _, it := range s.orderItems {
		if it.OrderID == id {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) InsertOrderItem(_ context.Context, item credit.OrderItem) error {
	if _, ok := s.orderItems[item.ID]; ok {
		return fmt.Errorf("order item %s: %w", item.ID, credit.ErrOrderItemExists)
	}
	s.orderItems[item.ID] = item
	return nil
}

func (s *state) SetOrderStatus(_ context.Context, id credit.OrderID, status credit.OrderStatus) (bool, error) {
	o, ok := s.orders[id]
	if !ok {
		return false, nil
	}
	o.Status = status
	s.orders[id] = o
	return true, nil
}

func (s *state) CreditForOrderItem(_ context.Context, id credit.OrderItemID) (*credit.Credit, error) {
	cid, ok := s.byOrderItem[id]
	if !ok {
		return nil, nil
	}
	c := s.credits[cid]
	return &c, nil
}

func (s *state) InsertCredit(_ context.Context, c credit.Credit) (bool, error) {
	if _, ok := s.byOrderItem[c.OrderItemID]; ok {
		return false, nil
	}
	if err := c.Totals.Validate(c.Unit); err != nil {
		return false, err
	}
	s.credits[c.ID] = c
	s.byOrderItem[c.OrderItemID] = c.ID
	return true, nil
}

func (s *state) GetCredit(_ context.Context, id credit.CreditID) (*credit.Credit, error) {
	c, ok := s.credits[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *state) ListCredits(_ context.Context, f credit.CreditFilter) ([]credit.Credit, error) {
	var out []credit.Credit
	for _, c := range s.credits {
		if f.CustomerID != "" && c.CustomerID != f.CustomerID {
			continue
		}
		if f.ServiceID != "" && c.ServiceID != f.ServiceID {
			continue
		}
		if f.OrderID != "" && s.orderItems[c.OrderItemID].OrderID != f.OrderID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) DeleteCreditsByOrderItems(_ context.Context, ids []credit.OrderItemID) (int, error) {
	removed := make(map[credit.CreditID]bool)
	for _, id := range ids {
		cid, ok := s.byOrderItem[id]
		if !ok {
			continue
		}
		delete(s.byOrderItem, id)
		delete(s.credits, cid)
		removed[cid] = true
	}
	for id, a := range s.appts {
		if a.CreditID != nil && removed[*a.CreditID] {
			a.CreditID = nil
			s.appts[id] = a
		}
	}
	return len(removed), nil
}

func (s *state) ListOrphans(_ context.Context, f credit.OrphanFilter) ([]credit.Consumption, error) {
	var out []credit.Consumption
	for _, a := range s.appts {
		if !a.Orphaned() || !a.Consumes() {
			continue
		}
		if f.CustomerID != "" && a.CustomerID != f.CustomerID {
			continue
		}
		if f.ServiceID != "" && a.ServiceID != f.ServiceID {
			continue
		}
		out = append(out, a)
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *state) AttachOrphans(_ context.Context, c credit.Credit) (int, error) {
	n := 0
	for id, a := range s.appts {
		if !a.Orphaned() || !a.Consumes() || a.CustomerID != c.CustomerID || a.ServiceID != c.ServiceID {
			continue
		}
		if _, ok := a.Durations.Get(c.Unit); !ok {
			continue
		}
		cid := c.ID
		a.CreditID = &cid
		s.appts[id] = a
		n++
	}
	return n, nil
}

func (s *state) AttachConsumptions(_ context.Context, creditID credit.CreditID, ids []credit.AppointmentID) (int, error) {
	n := 0
	for _, id := range ids {
		a, ok := s.appts[id]
		if !ok || !a.Orphaned() {
			continue
		}
		cid := creditID
		a.CreditID = &cid
		s.appts[id] = a
		n++
	}
	return n, nil
}

func (s *state) ConsumptionsForCredit(_ context.Context, id credit.CreditID) ([]credit.Consumption, error) {
	var out []credit.Consumption
	for _, a := range s.appts {
		if a.CreditID != nil && *a.CreditID == id {
			out = append(out, a)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func sortOldestFirst(rows []credit.Consumption) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].ScheduledAt.Equal(rows[j].ScheduledAt) {
			return rows[i].ScheduledAt.Before(rows[j].ScheduledAt)
		}
		return rows[i].ID < rows[j].ID
	})
}
