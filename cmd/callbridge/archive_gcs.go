//go:build gcp

package main

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
)

func newGCSArchiver(ctx context.Context, bucket string, a *app) (eventlog.Archiver, error) {
	ar, err := eventlog.NewGCSArchiver(ctx, bucket, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("gcs archiver: %w", err)
	}
	a.onClose(ar.Close)
	return ar, nil
}
