package domain

import "time"

// Supported download formats.
const (
	FormatCSV     = "csv"
	FormatJSON    = "json"
	FormatParquet = "parquet"
)

// Artifact is one materialized format of a stored result.
type Artifact struct {
	Format      string
	BlobKey     string
	ContentType string
	SizeBytes   int64
}

// StoredResult is the durable record of an execution's downloadable output.
type StoredResult struct {
	ExecutionID string
	OwnerID     string
	Columns     []string
	RowCount    int
	Artifacts   map[string]Artifact
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the result is past its retention window.
func (s *StoredResult) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// DownloadToken grants access to one (execution, format) artifact.
type DownloadToken struct {
	Token       string
	ExecutionID string
	Format      string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	MaxUses     int
	UseCount    int
}

// Usable reports whether the token may still be presented at now.
func (t *DownloadToken) Usable(now time.Time) bool {
	return now.Before(t.ExpiresAt) && t.UseCount < t.MaxUses
}

// Download is the payload served for a valid token.
type Download struct {
	ExecutionID string
	Format      string
	ContentType string
	Filename    string
	Body        []byte
}
