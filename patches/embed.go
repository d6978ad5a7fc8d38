// Package patches ships the tracking-schema patch set: the runs,
// predictions, and notifications tables that prediction pipelines report
// into. The set is applied through the ledger like any user-supplied patch
// directory.
package patches

import "embed"

// FS holds the manifest and SQL files for the shipped patch set.
//
//go:embed manifest.yaml *.sql
var FS embed.FS
