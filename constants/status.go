package constants

// ArchiveStatus is the canonical status for rows in batches.
type ArchiveStatus string

// Stable values (store these exact strings in DB).
const (
	ArchiveStatusQueued ArchiveStatus = "QUEUED" // accepted for archival
	ArchiveStatusStored ArchiveStatus = "STORED" // batch and artifacts persisted
	ArchiveStatusFailed ArchiveStatus = "FAILED" // terminal failure
)
