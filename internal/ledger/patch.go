package ledger

import "time"

// Patch is one installed schema patch as recorded in the ledger.
type Patch struct {
	// ID is the unique patch identifier, e.g. "runs" or "predictions".
	ID string `json:"id"`

	// InstalledAt is when the patch was recorded, in UTC.
	InstalledAt time.Time `json:"installed_at"`

	// InstalledBy is the principal that installed the patch.
	InstalledBy string `json:"installed_by"`

	// Requires lists the patch ids this patch declared as dependencies
	// at install time.
	Requires []string `json:"requires,omitempty"`
}
