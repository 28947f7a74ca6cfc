package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// BucketStatus is the reachability of one destination bucket.
type BucketStatus struct {
	Name      string
	Reachable bool
	Err       error
}

// CheckResult is the outcome of a credential check.
type CheckResult struct {
	Profile string
	Region  string
	// Owned lists the buckets visible to the credentials.
	Owned   []string
	Buckets []BucketStatus
}

// Checker verifies that a profile's credentials work and that the
// configured buckets are reachable.
type Checker struct {
	log       logrus.FieldLogger
	newClient clientFactory
}

// NewChecker creates a Checker using real S3 clients.
func NewChecker(log logrus.FieldLogger) *Checker {
	return &Checker{
		log:       log.WithField("component", "s3-checker"),
		newClient: newS3Client,
	}
}

// Check lists the buckets of the profile and probes each bucket given.
// Bucket values may carry a key prefix ("name/prefix"); only the name is
// probed. A failing ListBuckets call is returned as an error, a missing
// bucket is reported in the result.
func (c *Checker) Check(
	ctx context.Context, profile *config.Profile, region string, buckets []string,
) (*CheckResult, error) {
	if profile == nil {
		return nil, ErrNoProfile
	}

	region = ResolveRegion(profile, region)

	client, err := c.newClient(ctx, profile, region)
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	out, err := client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("listing buckets with profile %q: %w", profile.Name, err)
	}

	result := &CheckResult{
		Profile: profile.Name,
		Region:  region,
		Owned:   make([]string, 0, len(out.Buckets)),
		Buckets: make([]BucketStatus, 0, len(buckets)),
	}

	for _, b := range out.Buckets {
		result.Owned = append(result.Owned, aws.ToString(b.Name))
	}

	seen := make(map[string]struct{}, len(buckets))

	for _, b := range buckets {
		name, _ := SplitBucket(b)
		if name == "" {
			continue
		}

		if _, ok := seen[name]; ok {
			continue
		}

		seen[name] = struct{}{}

		status := BucketStatus{Name: name, Reachable: true}

		if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(name),
		}); err != nil {
			status.Reachable = false
			status.Err = err

			if isNotFound(err) {
				status.Err = fmt.Errorf("bucket %q does not exist", name)
			}
		}

		c.log.WithFields(logrus.Fields{
			"bucket":    name,
			"reachable": status.Reachable,
		}).Debug("Checked bucket")

		result.Buckets = append(result.Buckets, status)
	}

	return result, nil
}

// isNotFound returns true if the error indicates the bucket does not exist.
func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NotFound" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "NoSuchBucket")
}
