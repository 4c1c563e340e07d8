package host

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInventoryFillsStacks(t *testing.T) {
	m := NewMemory()
	m.SetCapacity("iron", 10)
	m.SetContainer("alice", "", 3)

	assert.Equal(t, 3*10, UnitsFree(m, "alice", "", "iron"))
	assert.Equal(t, 25, m.AddToInventory("alice", "", "iron", 25))
	assert.Equal(t, 0, m.InventorySpace("alice", ""))
	assert.Equal(t, 5, UnitsFree(m, "alice", "", "iron"), "room left in the partial stack")

	assert.Equal(t, 5, m.AddToInventory("alice", "", "iron", 50))
	assert.Equal(t, 30, m.InventoryCount("alice", "", "iron"))

	assert.Equal(t, 12, m.RemoveFromInventory("alice", "", "iron", 12))
	assert.Equal(t, 18, m.InventoryCount("alice", "", "iron"))
	assert.Equal(t, 1, m.InventorySpace("alice", ""))
}

func TestMemoryUnknownContainer(t *testing.T) {
	m := NewMemory()
	m.DefaultSlots = 0
	assert.Equal(t, -1, m.InventorySpace("ghost", "chest"))
	assert.Equal(t, -1, UnitsFree(m, "ghost", "chest", "iron"))
	assert.Zero(t, m.AddToInventory("ghost", "chest", "iron", 1))
}

func TestMemoryTakeStacks(t *testing.T) {
	m := NewMemory()
	m.Put("bob", "", Stack{WareID: "sword", Quantity: 1, Condition: 0.5})
	m.Put("bob", "", Stack{WareID: "iron", Quantity: 4, Condition: 1})
	m.Put("bob", "", Stack{WareID: "sword", Quantity: 1, Condition: 0.9})

	taken := m.TakeStacks("bob", "", []int{2, 0, 2, 7})
	require.Len(t, taken, 2)
	assert.Equal(t, 0.9, taken[0].Condition, "returned in the order asked for")
	assert.Equal(t, 0.5, taken[1].Condition)
	left := m.Stacks("bob", "")
	require.Len(t, left, 1)
	assert.Equal(t, "iron", left[0].WareID)
}

func TestMemoryIdentityAndNotes(t *testing.T) {
	m := NewMemory()
	m.SetName("u1", "Alice")
	m.SetAdmin("u1", true)
	assert.Equal(t, "Alice", m.DisplayName("u1"))
	assert.Equal(t, "u2", m.DisplayName("u2"))
	assert.True(t, m.IsAdmin("u1"))
	assert.False(t, m.IsAdmin("u2"))

	assert.True(t, m.WareExists("anything"))
	m.Restrict("iron")
	assert.False(t, m.WareExists("anything"))

	m.Notify("u1", "bought 3 iron")
	m.NotifyError("u1", errors.New("out of stock"))
	notes := m.Notes()
	require.Len(t, notes, 2)
	assert.True(t, notes[1].Error)
}
