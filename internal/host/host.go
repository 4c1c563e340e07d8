// Package host defines what the market needs from the game it runs inside:
// inventories, identities and a way to talk to players.
package host

// Stack is one inventory slot. Condition scales the sale price of worn goods
// (1.0 means pristine).
type Stack struct {
	WareID    string  `json:"ware"`
	Quantity  int     `json:"quantity"`
	Condition float64 `json:"condition"`
}

// Inventory gives access to actors' containers. dest names a container owned
// or reachable by the actor ("" is the actor's own inventory).
type Inventory interface {
	WareExists(id string) bool
	StackCapacity(id string) int

	AddToInventory(actor, dest, wareID string, qty int) int
	RemoveFromInventory(actor, dest, wareID string, qty int) int
	// InventorySpace returns the number of free slots, or -1 if the
	// container does not exist.
	InventorySpace(actor, dest string) int
	InventoryCount(actor, dest, wareID string) int

	Stacks(actor, dest string) []Stack
	// TakeStacks removes the stacks at the given indexes of Stacks' result
	// and returns them in the order asked for. Stale or repeated indexes are
	// skipped.
	TakeStacks(actor, dest string, indexes []int) []Stack
}

// Identity answers who an actor is.
type Identity interface {
	DisplayName(actor string) string
	IsAdmin(actor string) bool
}

// Notifier sends fire-and-forget messages to actors.
type Notifier interface {
	Notify(actor, message string)
	NotifyError(actor string, err error)
}

// Host is the full adapter the market needs.
type Host interface {
	Inventory
	Identity
	Notifier
}

// UnitsFree converts free slots plus the unused room of partial stacks into
// the number of units of wareID a container can still take.
func UnitsFree(inv Inventory, actor, dest, wareID string) int {
	slots := inv.InventorySpace(actor, dest)
	if slots < 0 {
		return -1
	}
	capacity := max(inv.StackCapacity(wareID), 1)
	units := slots * capacity
	if held := inv.InventoryCount(actor, dest, wareID); held%capacity != 0 {
		units += capacity - held%capacity
	}
	return units
}
