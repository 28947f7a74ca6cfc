package publisher

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/macro"
	"github.com/ethpandaops/artifactoor/pkg/pattern"
	"github.com/ethpandaops/artifactoor/pkg/upload"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Request is the input of a single publishing run.
type Request struct {
	Rules []config.Rule
	// Profile is nil when no profile could be resolved.
	Profile   *config.Profile
	Workspace string
	Env       map[string]string
	Metadata  []config.MetadataEntry
}

// Outcome is the result of one attempted upload.
type Outcome struct {
	Rule         int
	File         pattern.MatchedFile
	Bucket       string
	Key          string
	Region       string
	StorageClass string
	Size         int64
	ETag         string
	Success      bool
	Error        string
}

// Status returns the severity the outcome contributes to the run.
func (o *Outcome) Status() Status {
	if o.Success {
		return StatusOK
	}

	return StatusUnstable
}

// Result is the aggregate of a publishing run.
type Result struct {
	ID         string
	Status     Status
	Profile    string
	Workspace  string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
	Uploaded   int
	Failed     int
	// Err holds every failure of the run, nil when there was none.
	Err error
}

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, result *Result) error
}

// Options tunes a Publisher.
type Options struct {
	// Concurrency is the number of files of one rule uploaded at a time.
	Concurrency int
	// MaxUploadsPerSecond throttles upload starts. Zero disables it.
	MaxUploadsPerSecond float64
	// DefaultExcludes skips VCS metadata and editor backups when matching.
	DefaultExcludes bool
	// Recorder is optional.
	Recorder Recorder
}

// Publisher uploads the files matched by a list of rules.
type Publisher struct {
	log      logrus.FieldLogger
	uploader upload.Uploader
	out      io.Writer
	matcher  *pattern.Matcher
	opts     Options
}

// New creates a Publisher. Every run writes its line trail to out.
func New(
	log logrus.FieldLogger,
	uploader upload.Uploader,
	out io.Writer,
	opts Options,
) *Publisher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	return &Publisher{
		log:      log.WithField("component", "publisher"),
		uploader: uploader,
		out:      out,
		matcher:  pattern.NewMatcher(opts.DefaultExcludes),
		opts:     opts,
	}
}

// Run publishes every rule of req in order. It never fails: problems are
// reported on the line trail and degrade the returned status.
func (p *Publisher) Run(ctx context.Context, req *Request) *Result {
	rep := NewReporter(p.out, p.log)

	res := &Result{
		ID:        uuid.NewString(),
		Workspace: req.Workspace,
		StartedAt: time.Now().UTC(),
	}

	defer p.finish(ctx, rep, res)

	if req.Profile == nil {
		rep.Warnf("No S3 profile is configured.")

		return res
	}

	res.Profile = req.Profile.Name
	rep.Infof("Using S3 profile: %s", req.Profile.Name)

	var limiter *rate.Limiter
	if p.opts.MaxUploadsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.opts.MaxUploadsPerSecond), 1)
	}

	for i := range req.Rules {
		if ctx.Err() != nil {
			break
		}

		res.Outcomes = append(res.Outcomes, p.runRule(ctx, rep, limiter, i, req)...)
	}

	if err := ctx.Err(); err != nil {
		rep.Failure(err, "Publishing interrupted, remaining files were not uploaded")
	}

	return res
}

// finish computes the aggregate status and records the run.
func (p *Publisher) finish(ctx context.Context, rep *Reporter, res *Result) {
	statuses := make([]Status, 0, len(res.Outcomes)+1)
	statuses = append(statuses, rep.Status())

	for i := range res.Outcomes {
		statuses = append(statuses, res.Outcomes[i].Status())

		if res.Outcomes[i].Success {
			res.Uploaded++
		} else {
			res.Failed++
		}
	}

	res.Status = Fold(statuses...)
	res.Err = rep.Err()
	res.FinishedAt = time.Now().UTC()

	p.log.WithFields(logrus.Fields{
		"run_id":   res.ID,
		"status":   res.Status,
		"uploaded": res.Uploaded,
		"failed":   res.Failed,
	}).Info("Publishing finished")

	if p.opts.Recorder == nil {
		return
	}

	// The run is recorded even when ctx was cancelled.
	if err := p.opts.Recorder.RecordRun(context.WithoutCancel(ctx), res); err != nil {
		p.log.WithError(err).Warn("Failed to record run history")
	}
}

// runRule expands, matches and uploads a single rule.
func (p *Publisher) runRule(
	ctx context.Context,
	rep *Reporter,
	limiter *rate.Limiter,
	index int,
	req *Request,
) []Outcome {
	rule := req.Rules[index]

	source := macro.Expand(rule.Source, req.Env)
	bucket := macro.Expand(rule.Bucket, req.Env)
	storageClass := macro.Expand(rule.StorageClass, req.Env)
	region := upload.ResolveRegion(req.Profile, macro.Expand(rule.Region, req.Env))

	var excludes []string
	if exclude := macro.Expand(rule.Exclude, req.Env); strings.TrimSpace(exclude) != "" {
		excludes = append(excludes, exclude)
	}

	files, err := p.matcher.Resolve(req.Workspace, source, excludes...)
	if err != nil || len(files) == 0 {
		rep.Infof("No file(s) found: %s", source)

		if diag := p.matcher.Diagnose(req.Workspace, source, excludes...); diag != "" {
			rep.Infof("%s", diag)
		}

		return nil
	}

	if storageClass == "" {
		storageClass = config.StorageClassStandard
	}

	if !config.IsValidStorageClass(storageClass) {
		rep.Warnf(
			"Skipping %s: unknown storage class %q (expected one of %s)",
			source, storageClass, strings.Join(config.StorageClasses(), ", "),
		)

		return nil
	}

	if name, _ := upload.SplitBucket(bucket); name == "" {
		rep.Warnf("Skipping %s: bucket %q expands to an empty name", source, rule.Bucket)

		return nil
	}

	metadata := expandMetadata(req.Metadata, req.Env)

	outcomes := make([]Outcome, len(files))
	attempted := make([]bool, len(files))

	var g errgroup.Group

	g.SetLimit(p.opts.Concurrency)

	for i, f := range files {
		if ctx.Err() != nil {
			break
		}

		i, f := i, f

		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					// A cancelled run is reported once by Run.
					if ctx.Err() == nil {
						rep.Failure(err, "Skipped %s, upload throttle wait failed", f.AbsolutePath)
					}

					return nil
				}
			}

			if ctx.Err() != nil {
				return nil
			}

			attempted[i] = true
			outcomes[i] = p.uploadFile(ctx, rep, &upload.Request{
				Profile:      req.Profile,
				Bucket:       bucket,
				Key:          f.RelativeKey,
				LocalPath:    f.AbsolutePath,
				Metadata:     metadata,
				StorageClass: storageClass,
				Region:       region,
			})
			outcomes[i].Rule = index
			outcomes[i].File = f

			return nil
		})
	}

	_ = g.Wait()

	out := make([]Outcome, 0, len(files))
	for i := range outcomes {
		if attempted[i] {
			out = append(out, outcomes[i])
		}
	}

	return out
}

// uploadFile uploads one file and reports the outcome.
func (p *Publisher) uploadFile(
	ctx context.Context, rep *Reporter, req *upload.Request,
) Outcome {
	rep.Infof("bucket=%s, file=%s region=%s",
		req.Bucket, filepath.Base(req.LocalPath), req.Region)

	outcome := Outcome{
		Bucket:       req.Bucket,
		Key:          req.Key,
		Region:       req.Region,
		StorageClass: req.StorageClass,
	}

	resp, err := p.uploader.Upload(ctx, req)
	if err != nil {
		rep.Failure(err, "Failed to upload %s", req.LocalPath)
		outcome.Error = err.Error()

		return outcome
	}

	outcome.Success = true
	outcome.Key = resp.Key
	outcome.Size = resp.Size
	outcome.ETag = resp.ETag

	if resp.Bucket != "" {
		outcome.Bucket = resp.Bucket
	}

	rep.Infof("Uploaded s3://%s/%s (%s)",
		outcome.Bucket, outcome.Key, units.HumanSize(float64(resp.Size)))

	return outcome
}

// expandMetadata expands the keys and values of every entry. Order and
// duplicates are kept.
func expandMetadata(entries []config.MetadataEntry, env map[string]string) []config.MetadataEntry {
	if len(entries) == 0 {
		return nil
	}

	out := make([]config.MetadataEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, config.MetadataEntry{
			Key:   macro.Expand(e.Key, env),
			Value: macro.Expand(e.Value, env),
		})
	}

	return out
}
