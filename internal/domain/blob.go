package domain

import (
	"context"
)

// ReportArchiver copies finished settlement reports to cold storage.
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, report Report) (path string, err error)
}
