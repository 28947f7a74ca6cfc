package upload

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// dryRunUploader resolves uploads without performing network I/O.
type dryRunUploader struct {
	log logrus.FieldLogger
}

var _ Uploader = (*dryRunUploader)(nil)

// NewDryRunUploader returns an Uploader that only checks the local file.
func NewDryRunUploader(log logrus.FieldLogger) Uploader {
	return &dryRunUploader{
		log: log.WithField("component", "dry-run-uploader"),
	}
}

// Upload stats the file and reports the object it would create.
func (u *dryRunUploader) Upload(_ context.Context, req *Request) (*Response, error) {
	if req.Profile == nil {
		return nil, ErrNoProfile
	}

	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", req.LocalPath)
	}

	bucket, prefix := SplitBucket(req.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is empty")
	}

	key := ObjectKey(prefix, req.Key)

	u.log.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"size":   info.Size(),
	}).Info("Dry run, skipping upload")

	return &Response{
		Bucket: bucket,
		Key:    key,
		Size:   info.Size(),
	}, nil
}
