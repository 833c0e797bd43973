package enums

import "strings"

// PaymentOutcome is the closed set of canonical results a gateway
// notification can produce.
type PaymentOutcome string

const (
	OutcomePaid     PaymentOutcome = "PAID"
	OutcomeFailed   PaymentOutcome = "FAILED"
	OutcomePending  PaymentOutcome = "PENDING"
	OutcomeRefunded PaymentOutcome = "REFUNDED"
	OutcomeReversed PaymentOutcome = "REVERSED"
)

var providerStatusTable = map[string]PaymentOutcome{
	"PAID":      OutcomePaid,
	"SUCCESS":   OutcomePaid,
	"SUCCEEDED": OutcomePaid,
	"COMPLETED": OutcomePaid,
	"APPROVED":  OutcomePaid,

	"FAILED":    OutcomeFailed,
	"CANCELLED": OutcomeFailed,
	"CANCELED":  OutcomeFailed,
	"EXPIRED":   OutcomeFailed,
	"REJECTED":  OutcomeFailed,
	"DECLINED":  OutcomeFailed,

	"PENDING":    OutcomePending,
	"PROCESSING": OutcomePending,
	"IN_PROCESS": OutcomePending,

	"REFUNDED": OutcomeRefunded,

	"REVERSED":     OutcomeReversed,
	"CHARGED_BACK": OutcomeReversed,
	"CHARGEBACK":   OutcomeReversed,
}

// NormalizeProviderStatus upper-cases and trims a raw provider status and
// folds separators so "charged-back" and "charged back" match CHARGED_BACK.
func NormalizeProviderStatus(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return s
}

// MapProviderStatus maps a raw provider status to a PaymentOutcome. Unknown
// values map to OutcomeFailed.
func MapProviderStatus(raw string) PaymentOutcome {
	if outcome, ok := providerStatusTable[NormalizeProviderStatus(raw)]; ok {
		return outcome
	}
	return OutcomeFailed
}

// TransactionStatus returns the transaction status an outcome drives.
func (o PaymentOutcome) TransactionStatus() TransactionStatus {
	switch o {
	case OutcomePaid:
		return TransactionStatusPaid
	case OutcomePending:
		return TransactionStatusPending
	case OutcomeRefunded:
		return TransactionStatusRefunded
	case OutcomeReversed:
		return TransactionStatusReversed
	default:
		return TransactionStatusFailed
	}
}
