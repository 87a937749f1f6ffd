package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/starsfund-backend/pkg/logger"
)

const defaultArchiveRetryBatch = 20

type archiveRetrier interface {
	RetryFailed(ctx context.Context, limit int) (int, error)
}

type ArchiveRetryJobParams struct {
	Logger    *logger.Logger
	Archive   archiveRetrier
	BatchSize int
}

// NewArchiveRetryJob re-attempts archival of closed campaigns whose last
// attempt failed.
func NewArchiveRetryJob(params ArchiveRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Archive == nil {
		return nil, fmt.Errorf("archive linker required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultArchiveRetryBatch
	}
	return &archiveRetryJob{logg: params.Logger, archive: params.Archive, batch: batch}, nil
}

type archiveRetryJob struct {
	logg    *logger.Logger
	archive archiveRetrier
	batch   int
}

func (j *archiveRetryJob) Name() string { return "archive-retry" }

func (j *archiveRetryJob) Run(ctx context.Context) error {
	archived, err := j.archive.RetryFailed(ctx, j.batch)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"batch_size": j.batch,
		"archived":   archived,
	}), "archive retry complete")
	if err != nil {
		return fmt.Errorf("archive retry: %w", err)
	}
	return nil
}
