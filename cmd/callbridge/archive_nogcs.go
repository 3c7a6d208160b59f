//go:build !gcp

package main

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
)

func newGCSArchiver(context.Context, string, *app) (eventlog.Archiver, error) {
	return nil, errors.New("ARCHIVE_GCS_BUCKET requires a build with -tags gcp")
}
