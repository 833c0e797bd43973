package enums

import "fmt"

// WaitlistStatus maps to the waitlist_status enum in Postgres.
type WaitlistStatus string

const (
	WaitlistStatusPending    WaitlistStatus = "PENDING"
	WaitlistStatusReserved   WaitlistStatus = "RESERVED"
	WaitlistStatusProcessing WaitlistStatus = "PROCESSING"
	WaitlistStatusCompleted  WaitlistStatus = "COMPLETED"
	WaitlistStatusFailed     WaitlistStatus = "FAILED"
)

var validWaitlistStatuses = []WaitlistStatus{
	WaitlistStatusPending,
	WaitlistStatusReserved,
	WaitlistStatusProcessing,
	WaitlistStatusCompleted,
	WaitlistStatusFailed,
}

func (s WaitlistStatus) String() string {
	return string(s)
}

func (s WaitlistStatus) IsValid() bool {
	for _, candidate := range validWaitlistStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s WaitlistStatus) IsTerminal() bool {
	return s == WaitlistStatusCompleted || s == WaitlistStatusFailed
}

// ParseWaitlistStatus converts raw input into WaitlistStatus.
func ParseWaitlistStatus(value string) (WaitlistStatus, error) {
	for _, candidate := range validWaitlistStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid waitlist status %q", value)
}
