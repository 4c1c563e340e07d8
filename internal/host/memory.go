package host

import (
	"log/slog"
	"sync"
)

// DefaultStackCapacity is used for wares without a configured capacity.
const DefaultStackCapacity = 64

// Note is a message recorded by Memory.
type Note struct {
	Actor   string
	Message string
	Error   bool
}

type container struct {
	slots  int
	stacks []Stack
}

// Memory is an in-process Host. The daemon uses it for API-driven trades and
// tests use it to observe notifications.
type Memory struct {
	mu         sync.Mutex
	capacity   map[string]int
	known      map[string]bool
	containers map[string]*container
	admins     map[string]bool
	names      map[string]string
	notes      []Note

	// DefaultSlots sizes containers created on first use. Zero disables
	// auto-creation so unknown containers report -1.
	DefaultSlots int
}

// NewMemory creates an empty in-memory host.
func NewMemory() *Memory {
	return &Memory{
		capacity:     make(map[string]int),
		containers:   make(map[string]*container),
		admins:       make(map[string]bool),
		names:        make(map[string]string),
		DefaultSlots: 36,
	}
}

func key(actor, dest string) string {
	return actor + "\x00" + dest
}

// SetCapacity sets the stack capacity of a ware.
func (m *Memory) SetCapacity(wareID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity[wareID] = n
}

// Restrict limits WareExists to the given IDs. By default every ware exists.
func (m *Memory) Restrict(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known = make(map[string]bool, len(ids))
	for _, id := range ids {
		m.known[id] = true
	}
}

// SetContainer creates or resizes a container.
func (m *Memory) SetContainer(actor, dest string, slots int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.container(actor, dest, true)
	c.slots = slots
}

// Put appends a stack directly, bypassing capacity checks.
func (m *Memory) Put(actor, dest string, s Stack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.container(actor, dest, true)
	c.stacks = append(c.stacks, s)
}

// SetAdmin grants or revokes admin status.
func (m *Memory) SetAdmin(actor string, admin bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[actor] = admin
}

// SetName sets an actor's display name.
func (m *Memory) SetName(actor, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[actor] = name
}

// Notes returns the recorded notifications.
func (m *Memory) Notes() []Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Note(nil), m.notes...)
}

func (m *Memory) container(actor, dest string, create bool) *container {
	k := key(actor, dest)
	c, ok := m.containers[k]
	if !ok && (create || m.DefaultSlots > 0) {
		c = &container{slots: m.DefaultSlots}
		m.containers[k] = c
	}
	return c
}

func (m *Memory) capacityOf(id string) int {
	if n, ok := m.capacity[id]; ok && n > 0 {
		return n
	}
	return DefaultStackCapacity
}

func (m *Memory) WareExists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known == nil || m.known[id]
}

func (m *Memory) StackCapacity(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacityOf(id)
}

func (m *Memory) AddToInventory(actor, dest, wareID string, qty int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.container(actor, dest, false)
	if c == nil || qty <= 0 {
		return 0
	}
	capacity := m.capacityOf(wareID)
	added := 0
	for i := range c.stacks {
		s := &c.stacks[i]
		if s.WareID != wareID || s.Condition != 1 || s.Quantity >= capacity {
			continue
		}
		n := min(capacity-s.Quantity, qty-added)
		s.Quantity += n
		added += n
	}
	for added < qty && len(c.stacks) < c.slots {
		n := min(capacity, qty-added)
		c.stacks = append(c.stacks, Stack{WareID: wareID, Quantity: n, Condition: 1})
		added += n
	}
	return added
}

func (m *Memory) RemoveFromInventory(actor, dest, wareID string, qty int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.container(actor, dest, false)
	if c == nil || qty <= 0 {
		return 0
	}
	removed := 0
	kept := c.stacks[:0]
	for _, s := range c.stacks {
		if s.WareID == wareID && removed < qty {
			n := min(s.Quantity, qty-removed)
			s.Quantity -= n
			removed += n
		}
		if s.Quantity > 0 {
			kept = append(kept, s)
		}
	}
	c.stacks = kept
	return removed
}

func (m *Memory) InventorySpace(actor, dest string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.container(actor, dest, false)
	if c == nil {
		return -1
	}
	return max(c.slots-len(c.stacks), 0)
}

func (m *Memory) InventoryCount(actor, dest, wareID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.container(actor, dest, false)
	if c == nil {
		return 0
	}
	n := 0
	for _, s := range c.stacks {
		if s.WareID == wareID {
			n += s.Quantity
		}
	}
	return n
}

func (m *Memory) Stacks(actor, dest string) []Stack {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.container(actor, dest, false)
	if c == nil {
		return nil
	}
	return append([]Stack(nil), c.stacks...)
}

func (m *Memory) TakeStacks(actor, dest string, indexes []int) []Stack {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.container(actor, dest, false)
	if c == nil {
		return nil
	}
	var out []Stack
	seen := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		if i < 0 || i >= len(c.stacks) || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, c.stacks[i])
	}
	kept := c.stacks[:0]
	for i, s := range c.stacks {
		if !seen[i] {
			kept = append(kept, s)
		}
	}
	c.stacks = kept
	return out
}

func (m *Memory) DisplayName(actor string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.names[actor]; ok {
		return n
	}
	return actor
}

func (m *Memory) IsAdmin(actor string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admins[actor]
}

func (m *Memory) Notify(actor, message string) {
	m.mu.Lock()
	m.notes = append(m.notes, Note{Actor: actor, Message: message})
	m.mu.Unlock()
	slog.Debug("notify", "actor", actor, "message", message)
}

func (m *Memory) NotifyError(actor string, err error) {
	m.mu.Lock()
	m.notes = append(m.notes, Note{Actor: actor, Message: err.Error(), Error: true})
	m.mu.Unlock()
	slog.Debug("notify error", "actor", actor, "error", err)
}
