package ledger

import "database/sql"

// Class names the kind of work a transaction does; each class carries its
// own isolation level.
type Class int

const (
	// ClassReconcile applies a gateway notification. Read committed plus
	// explicit row locks.
	ClassReconcile Class = iota
	// ClassAllocation binds stock to an order outside a notification.
	ClassAllocation
	// ClassCompensation cancels abandoned orders and returns stock.
	ClassCompensation
	// ClassReporting is read-only.
	ClassReporting
)

func (c Class) String() string {
	switch c {
	case ClassReconcile:
		return "reconcile"
	case ClassAllocation:
		return "allocation"
	case ClassCompensation:
		return "compensation"
	case ClassReporting:
		return "reporting"
	default:
		return "unknown"
	}
}

// TxOptions returns the database/sql options for the class.
func (c Class) TxOptions() *sql.TxOptions {
	switch c {
	case ClassAllocation:
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	case ClassReporting:
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: true}
	default:
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
}
