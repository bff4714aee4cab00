// Package backup snapshots the whole ledger into a single jsonb document
// and restores it wholesale. A restore is the only sanctioned rewrite of
// the audit trail.
package backup

import "time"

// Backup is the stored metadata of a snapshot. The snapshot body stays in
// the database and never crosses the API.
type Backup struct {
	ID          string
	Description string
	Checksum    string
	Archived    bool
	CreatedAt   time.Time
}
