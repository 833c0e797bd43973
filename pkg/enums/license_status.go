package enums

import "fmt"

// LicenseStatus maps to the license_status enum in Postgres.
type LicenseStatus string

const (
	LicenseStatusAvailable LicenseStatus = "AVAILABLE"
	LicenseStatusReserved  LicenseStatus = "RESERVED"
	LicenseStatusSold      LicenseStatus = "SOLD"
	LicenseStatusAnnulled  LicenseStatus = "ANNULLED"
	LicenseStatusReturned  LicenseStatus = "RETURNED"
)

var validLicenseStatuses = []LicenseStatus{
	LicenseStatusAvailable,
	LicenseStatusReserved,
	LicenseStatusSold,
	LicenseStatusAnnulled,
	LicenseStatusReturned,
}

// String implements fmt.Stringer.
func (l LicenseStatus) String() string {
	return string(l)
}

// IsValid reports whether the value matches the canonical license_status enum.
func (l LicenseStatus) IsValid() bool {
	for _, candidate := range validLicenseStatuses {
		if candidate == l {
			return true
		}
	}
	return false
}

// IsHeld reports whether the license is bound to an order.
func (l LicenseStatus) IsHeld() bool {
	return l == LicenseStatusReserved || l == LicenseStatusSold
}

// IsRestockable reports whether an admin may put the license back on sale.
func (l LicenseStatus) IsRestockable() bool {
	return l == LicenseStatusReturned || l == LicenseStatusAnnulled
}

// ParseLicenseStatus converts raw input into LicenseStatus.
func ParseLicenseStatus(value string) (LicenseStatus, error) {
	for _, candidate := range validLicenseStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid license status %q", value)
}
