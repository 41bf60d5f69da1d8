// Package entity defines the closed set of synchronized entity types and
// their queue naming.
package entity

import "fmt"

// Type identifies one synchronized data category.
type Type string

const (
	// Orders is the order entity type
	Orders Type = "orders"

	// Products is the product entity type
	Products Type = "products"

	// Customers is the customer entity type
	Customers Type = "customers"

	// Reviews is the review entity type
	Reviews Type = "reviews"

	// BOMInventory is the bill-of-materials inventory feed. It always runs
	// on its own dedicated queue and always performs a full fetch.
	BOMInventory Type = "bom-inventory"
)

// MaintenanceQueueName is the internal scheduler/maintenance queue. It is not
// user-facing and has no entity type.
const MaintenanceQueueName = "sync:maintenance"

// All returns every entity type, inventory feed included, in stable order.
func All() []Type {
	return []Type{Orders, Products, Customers, Reviews, BOMInventory}
}

// Parse converts a string into a Type, rejecting anything outside the closed
// set so typos in queue-name construction surface as errors, not silent
// empty queues.
func Parse(s string) (Type, error) {
	switch Type(s) {
	case Orders, Products, Customers, Reviews, BOMInventory:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown entity type: %q", s)
	}
}

// Valid reports whether t is a member of the closed set.
func (t Type) Valid() bool {
	_, err := Parse(string(t))
	return err == nil
}

// IsInventoryFeed reports whether t is the bill-of-materials inventory feed.
func (t Type) IsInventoryFeed() bool {
	return t == BOMInventory
}

// QueueName returns the durable queue name for this entity type.
func (t Type) QueueName() string {
	return "sync:" + string(t)
}

func (t Type) String() string {
	return string(t)
}
