package enums

import "fmt"

// TransactionStatus maps to the transaction_status enum in Postgres.
type TransactionStatus string

const (
	TransactionStatusCreated  TransactionStatus = "CREATED"
	TransactionStatusPending  TransactionStatus = "PENDING"
	TransactionStatusPaid     TransactionStatus = "PAID"
	TransactionStatusSettled  TransactionStatus = "SETTLED"
	TransactionStatusRefunded TransactionStatus = "REFUNDED"
	TransactionStatusReversed TransactionStatus = "REVERSED"
	TransactionStatusFailed   TransactionStatus = "FAILED"
)

var validTransactionStatuses = []TransactionStatus{
	TransactionStatusCreated,
	TransactionStatusPending,
	TransactionStatusPaid,
	TransactionStatusSettled,
	TransactionStatusRefunded,
	TransactionStatusReversed,
	TransactionStatusFailed,
}

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusCreated: {TransactionStatusPending, TransactionStatusPaid, TransactionStatusFailed},
	TransactionStatusPending: {TransactionStatusPaid, TransactionStatusFailed},
	TransactionStatusPaid:    {TransactionStatusSettled, TransactionStatusRefunded, TransactionStatusReversed},
	TransactionStatusSettled: {TransactionStatusRefunded, TransactionStatusReversed},
}

// String implements fmt.Stringer.
func (s TransactionStatus) String() string {
	return string(s)
}

// IsValid reports whether the value matches the canonical transaction_status enum.
func (s TransactionStatus) IsValid() bool {
	for _, candidate := range validTransactionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsOpen reports whether the gateway has not yet produced a final answer.
func (s TransactionStatus) IsOpen() bool {
	return s == TransactionStatusCreated || s == TransactionStatusPending
}

// IsCaptured reports whether money has been collected.
func (s TransactionStatus) IsCaptured() bool {
	return s == TransactionStatusPaid || s == TransactionStatusSettled
}

// CanTransitionTo enforces the transaction lifecycle; anything else is a
// stale or out-of-order notification.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, candidate := range transactionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseTransactionStatus converts raw input into TransactionStatus.
func ParseTransactionStatus(value string) (TransactionStatus, error) {
	for _, candidate := range validTransactionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction status %q", value)
}
