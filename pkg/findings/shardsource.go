package findings

import (
	"context"

	"github.com/cloudveil/compliance-engine/pkg/domain"
)

// JobShardSource adapts Store to reportpipeline.ShardSource, loading
// every region a Job covered and flattening their Findings into one
// slice for the operational stage to roll up.
type JobShardSource struct {
	store *Store
}

// NewJobShardSource wraps store for use as a reportpipeline.ShardSource.
func NewJobShardSource(store *Store) *JobShardSource {
	return &JobShardSource{store: store}
}

func (j *JobShardSource) FindingsForJob(ctx context.Context, job domain.Job) ([]domain.Finding, error) {
	var findings []domain.Finding
	for _, region := range job.RegionsTotal {
		shard, err := j.store.Load(ctx, job.Tenant, region)
		if err != nil {
			continue
		}
		if shard.JobID != "" && shard.JobID != job.ID {
			continue
		}
		findings = append(findings, shard.Findings...)
	}
	return findings, nil
}
