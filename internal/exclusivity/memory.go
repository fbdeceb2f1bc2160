package exclusivity

import (
	"context"
	"sort"
	"sync"

	"packdesk/internal/domain"
)

// Memory is an in-process Index for single-process deployments. Claims are
// serialized by a mutex; it provides no cross-process exclusivity.
type Memory struct {
	mu        sync.Mutex
	byMachine map[string]domain.Assignment
	byHolder  map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		byMachine: make(map[string]domain.Assignment),
		byHolder:  make(map[string]string),
	}
}

func (m *Memory) TryClaim(_ context.Context, a domain.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byMachine[a.MachineID]; ok {
		return ErrAlreadyAssigned
	}
	if _, ok := m.byHolder[a.HolderID]; ok {
		return ErrHolderBusy
	}
	m.byMachine[a.MachineID] = a
	m.byHolder[a.HolderID] = a.MachineID
	return nil
}

func (m *Memory) Release(_ context.Context, machineID, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byMachine[machineID]
	if !ok {
		return ErrNotAssigned
	}
	if a.HolderID != holderID {
		return ErrHolderMismatch
	}
	delete(m.byMachine, machineID)
	delete(m.byHolder, holderID)
	return nil
}

func (m *Memory) MachineAssignment(_ context.Context, machineID string) (domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byMachine[machineID]
	if !ok {
		return domain.Assignment{}, ErrNotAssigned
	}
	return a, nil
}

func (m *Memory) HolderAssignment(_ context.Context, holderID string) (domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machineID, ok := m.byHolder[holderID]
	if !ok {
		return domain.Assignment{}, ErrNotAssigned
	}
	return m.byMachine[machineID], nil
}

func (m *Memory) AssignedMachineNames(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.byMachine))
	for _, a := range m.byMachine {
		names = append(names, a.MachineName)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) ListAssignments(_ context.Context) ([]domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Assignment, 0, len(m.byMachine))
	for _, a := range m.byMachine {
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].MachineName < res[j].MachineName })
	return res, nil
}
