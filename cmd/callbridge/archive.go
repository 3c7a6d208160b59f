package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/config"
	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
)

const archivePrefix = "call-events/"

// newArchiver returns the configured object-store archiver, or nil when
// archiving is off.
func newArchiver(ctx context.Context, cfg *config.Config, a *app) (eventlog.Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		ar, err := eventlog.NewS3Archiver(ctx, eventlog.S3ArchiverConfig{
			Bucket:   cfg.ArchiveS3Bucket,
			Region:   cfg.ArchiveS3Region,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   archivePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		return ar, nil
	case cfg.ArchiveGCSBucket != "":
		return newGCSArchiver(ctx, cfg.ArchiveGCSBucket, a)
	}
	return nil, nil
}

// runArchiver snapshots the log every interval until ctx is done. A failed
// upload is logged and retried on the next tick.
func runArchiver(ctx context.Context, log eventlog.Snapshotter, ar eventlog.Archiver, interval time.Duration, now func() time.Time) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	logger := slog.Default().With("component", "archiver")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			archiveOnce(ctx, log, ar, now(), logger)
		}
	}
}

func archiveOnce(ctx context.Context, log eventlog.Snapshotter, ar eventlog.Archiver, at time.Time, logger *slog.Logger) {
	name, err := eventlog.ArchiveSnapshot(ctx, log, ar, at)
	if err != nil {
		logger.WarnContext(ctx, "event log archive failed", "error", err)
		return
	}
	logger.InfoContext(ctx, "event log archived", "object", name)
}
