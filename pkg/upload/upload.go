package upload

import (
	"context"
	"errors"
	"strings"

	"github.com/ethpandaops/artifactoor/pkg/config"
)

// ErrNoProfile is returned when an upload is requested without a profile.
var ErrNoProfile = errors.New("no storage profile given")

// Uploader stores a single local file as an object.
type Uploader interface {
	// Upload uploads req.LocalPath to req.Bucket under req.Key. A bucket of
	// the form "name/some/prefix" stores the object under
	// "some/prefix/<key>" in bucket "name".
	Upload(ctx context.Context, req *Request) (*Response, error)
}

// Request describes one object upload.
type Request struct {
	Profile      *config.Profile
	Bucket       string
	Key          string
	LocalPath    string
	Metadata     []config.MetadataEntry
	StorageClass string
	Region       string
}

// Response is the result of a successful upload.
type Response struct {
	Bucket   string
	Key      string
	ETag     string
	Size     int64
	Location string
}

// SplitBucket splits "name/some/prefix" into the bucket name and the key
// prefix. Surrounding slashes of the prefix are removed.
func SplitBucket(bucket string) (string, string) {
	bucket = strings.Trim(strings.TrimSpace(bucket), "/")

	name, prefix, _ := strings.Cut(bucket, "/")

	return name, strings.Trim(prefix, "/")
}

// ObjectKey joins a key prefix and a relative key with a single slash.
func ObjectKey(prefix, key string) string {
	key = strings.TrimLeft(key, "/")
	if prefix == "" {
		return key
	}

	return strings.TrimRight(prefix, "/") + "/" + key
}

// ResolveRegion picks the region for an upload: the rule region, then the
// profile region, then config.DefaultRegion. Known regions are normalised
// to their id; unknown values are kept for S3-compatible endpoints.
func ResolveRegion(profile *config.Profile, region string) string {
	candidates := []string{region}
	if profile != nil {
		candidates = append(candidates, profile.Region)
	}

	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}

		normalized, _ := config.NormalizeRegion(c)

		return normalized
	}

	return config.DefaultRegion
}
