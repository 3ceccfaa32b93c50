package indexer

import (
	"context"
	"fmt"

	"nestbox/internal/jobs"
)

// JobIndexFile is the job queue name of single-file index jobs.
const JobIndexFile = "index_file"

// FileJob is the payload of an index_file job.
type FileJob struct {
	Path string `json:"path"`
}

// FileHandler runs index_file jobs. Failures are permanent: a file that is
// missing now will not appear on a retry.
func (s *Scanner) FileHandler() jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) (any, error) {
		p, ok := job.Payload.(FileJob)
		if !ok {
			return nil, fmt.Errorf("index_file: unexpected payload %T", job.Payload)
		}
		return s.IndexFile(ctx, p.Path)
	}
}
