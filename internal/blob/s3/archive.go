package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// uploader is satisfied by *manager.Uploader.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// ReportArchiver writes each settlement report as one JSON object under
// settlements/YYYY/MM/DD/<run id>.json.
type ReportArchiver struct {
	up     uploader
	bucket string
	prefix string
}

// NewReportArchiver creates a ReportArchiver on the client's bucket.
func NewReportArchiver(c *Client) *ReportArchiver {
	return &ReportArchiver{
		up:     manager.NewUploader(c.s3),
		bucket: c.bucket,
		prefix: c.prefix,
	}
}

// ReportKey returns the object key for r, without the bucket prefix.
func ReportKey(r domain.Report) string {
	day := r.FinishedAt.UTC()
	if day.IsZero() {
		day = r.StartedAt.UTC()
	}
	return path.Join("settlements", day.Format("2006/01/02"), r.RunID+".json")
}

// ArchiveReport uploads r and returns its full key.
func (a *ReportArchiver) ArchiveReport(ctx context.Context, r domain.Report) (string, error) {
	if r.RunID == "" {
		return "", fmt.Errorf("s3blob: archive report: empty run id")
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal report %s: %w", r.RunID, err)
	}

	key := a.prefix + ReportKey(r)
	_, err = a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"user-id":   fmt.Sprint(r.UserID),
			"attempted": fmt.Sprint(r.Attempted),
			"failed":    fmt.Sprint(r.Failed),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3blob: upload %s: %w", key, err)
	}
	return key, nil
}

var _ domain.ReportArchiver = (*ReportArchiver)(nil)
