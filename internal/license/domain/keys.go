package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewLicenseKey generates an opaque license key. Keys carry no embedded
// meaning; entitlement is always resolved against the stored record.
func NewLicenseKey() string {
	return "lic_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
