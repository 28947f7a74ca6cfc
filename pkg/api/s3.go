package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

type presignClientKey struct {
	profile string
	region  string
}

// s3Presigner generates presigned GET URLs for uploaded artifacts, signed
// with the profile the artifact was uploaded with.
type s3Presigner struct {
	log      logrus.FieldLogger
	profiles map[string]config.Profile
	expiry   time.Duration
	cacheTTL time.Duration
	mu       sync.RWMutex
	clients  map[presignClientKey]*s3.PresignClient
	cache    map[string]presignCacheEntry
}

// newS3Presigner creates a presigner for the given profiles.
func newS3Presigner(
	log logrus.FieldLogger,
	profiles []config.Profile,
	cfg *config.DownloadsConfig,
) (*s3Presigner, error) {
	expiry, err := cfg.ExpiryDuration()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]config.Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}

	return &s3Presigner{
		log:      log.WithField("component", "s3-presigner"),
		profiles: byName,
		expiry:   expiry,
		cacheTTL: expiry / 2,
		clients:  make(map[presignClientKey]*s3.PresignClient, len(profiles)),
		cache:    make(map[string]presignCacheEntry),
	}, nil
}

// GeneratePresignedURL returns a presigned GET URL for bucket/key. Results
// are cached for half the expiry so a returned URL is always valid for at
// least that long.
func (p *s3Presigner) GeneratePresignedURL(
	ctx context.Context,
	profileName, region, bucket, key string,
) (string, error) {
	cacheKey := profileName + "|" + region + "|" + bucket + "/" + key
	now := time.Now()

	// Fast path: check cache under read lock.
	p.mu.RLock()
	if entry, ok := p.cache[cacheKey]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	// Slow path: acquire write lock and double-check.
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[cacheKey]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	client, err := p.client(ctx, profileName, region)
	if err != nil {
		return "", err
	}

	result, err := client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	p.cache[cacheKey] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	return result.URL, nil
}

// client must be called with mu held.
func (p *s3Presigner) client(
	ctx context.Context, profileName, region string,
) (*s3.PresignClient, error) {
	key := presignClientKey{profile: profileName, region: region}
	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	profile, ok := p.profiles[profileName]
	if !ok {
		return nil, fmt.Errorf("profile %q is not configured", profileName)
	}

	client, err := newPresignS3Client(ctx, &profile, region)
	if err != nil {
		return nil, err
	}

	c := s3.NewPresignClient(client)
	p.clients[key] = c

	return c, nil
}

// newPresignS3Client constructs an S3 client for a profile. Profiles
// without static keys resolve credentials through the default chain.
func newPresignS3Client(
	ctx context.Context, profile *config.Profile, region string,
) (*s3.Client, error) {
	if region == "" {
		region = config.DefaultRegion
	}

	optFn := func(o *s3.Options) {
		o.Region = region

		if profile.EndpointURL != "" {
			o.BaseEndpoint = aws.String(profile.EndpointURL)
		}

		if profile.ForcePathStyle {
			o.UsePathStyle = true
		}
	}

	if profile.HasStaticCredentials() {
		return s3.New(s3.Options{
			Credentials: credentials.NewStaticCredentialsProvider(
				profile.AccessKeyID, profile.SecretAccessKey, "",
			),
		}, optFn), nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if profile.AWSProfile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(profile.AWSProfile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, optFn), nil
}
