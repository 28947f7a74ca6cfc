package upload

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// defaultPartSize is the multipart chunk size of the upload manager.
const defaultPartSize = 16 * 1024 * 1024

// s3API is the subset of the S3 client used by this package.
type s3API interface {
	manager.UploadAPIClient
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// clientFactory creates an S3 client for a profile in a region.
type clientFactory func(ctx context.Context, profile *config.Profile, region string) (s3API, error)

type clientKey struct {
	profile string
	region  string
}

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log       logrus.FieldLogger
	newClient clientFactory

	mu      sync.Mutex
	clients map[clientKey]s3API
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates an uploader that talks to S3. Clients are created
// lazily, one per profile and region.
func NewS3Uploader(log logrus.FieldLogger) Uploader {
	return newS3Uploader(log, newS3Client)
}

func newS3Uploader(log logrus.FieldLogger, factory clientFactory) *s3Uploader {
	return &s3Uploader{
		log:       log.WithField("component", "s3-uploader"),
		newClient: factory,
		clients:   make(map[clientKey]s3API, 2),
	}
}

// Upload uploads a single file through the SDK upload manager.
func (u *s3Uploader) Upload(ctx context.Context, req *Request) (*Response, error) {
	if req.Profile == nil {
		return nil, ErrNoProfile
	}

	bucket, prefix := SplitBucket(req.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is empty")
	}

	key := ObjectKey(prefix, req.Key)
	region := ResolveRegion(req.Profile, req.Region)

	client, err := u.client(ctx, req.Profile, region)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(req.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(detectContentType(req.LocalPath)),
		Metadata:    metadataMap(req.Metadata),
	}

	if req.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(req.StorageClass)
	}

	u.log.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"region": region,
		"size":   info.Size(),
	}).Debug("Uploading file")

	uploader := manager.NewUploader(client, func(m *manager.Uploader) {
		m.PartSize = defaultPartSize
	})

	out, err := uploader.Upload(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("uploading s3://%s/%s: %w", bucket, key, err)
	}

	return &Response{
		Bucket:   bucket,
		Key:      key,
		ETag:     aws.ToString(out.ETag),
		Size:     info.Size(),
		Location: out.Location,
	}, nil
}

// client returns the cached client for profile and region, creating it on
// first use.
func (u *s3Uploader) client(
	ctx context.Context, profile *config.Profile, region string,
) (s3API, error) {
	key := clientKey{profile: profile.Name, region: region}

	u.mu.Lock()
	defer u.mu.Unlock()

	if c, ok := u.clients[key]; ok {
		return c, nil
	}

	c, err := u.newClient(ctx, profile, region)
	if err != nil {
		return nil, fmt.Errorf("creating s3 client for profile %q: %w", profile.Name, err)
	}

	u.clients[key] = c

	return c, nil
}

// newS3Client builds an S3 client from a profile. Static keys take
// precedence; otherwise the default credential chain is used, optionally
// with a shared config profile.
func newS3Client(ctx context.Context, profile *config.Profile, region string) (s3API, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	switch {
	case profile.HasStaticCredentials():
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				profile.AccessKeyID, profile.SecretAccessKey, "",
			),
		))
	case profile.AWSProfile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile.AWSProfile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if profile.EndpointURL != "" {
			o.BaseEndpoint = aws.String(profile.EndpointURL)
		}

		if profile.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// metadataMap converts metadata entries to S3 user metadata. Later entries
// with the same key win.
func metadataMap(entries []config.MetadataEntry) map[string]string {
	if len(entries) == 0 {
		return nil
	}

	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Key] = e.Value
	}

	return m
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
