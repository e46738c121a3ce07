//go:build !gcp

package audit

import (
	"context"
	"errors"
)

func NewGCSArchiver(context.Context, string) (Archiver, error) {
	return nil, errors.New("GCS archiving is not enabled in this build (use -tags gcp)")
}
