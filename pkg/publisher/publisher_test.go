package publisher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingUploader records every request and fails the keys listed in
// fail.
type recordingUploader struct {
	mu    sync.Mutex
	calls []upload.Request
	fail  map[string]error
}

var _ upload.Uploader = (*recordingUploader)(nil)

func (u *recordingUploader) Upload(_ context.Context, req *upload.Request) (*upload.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.calls = append(u.calls, *req)

	if err, ok := u.fail[req.Key]; ok {
		return nil, err
	}

	bucket, prefix := upload.SplitBucket(req.Bucket)

	return &upload.Response{
		Bucket: bucket,
		Key:    upload.ObjectKey(prefix, req.Key),
		ETag:   "etag",
		Size:   2048,
	}, nil
}

func (u *recordingUploader) keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]string, 0, len(u.calls))
	for _, c := range u.calls {
		out = append(out, c.Key)
	}

	return out
}

type fakeRecorder struct {
	results []*Result
	err     error
}

func (r *fakeRecorder) RecordRun(_ context.Context, res *Result) error {
	r.results = append(r.results, res)

	return r.err
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func setupWorkspace(t *testing.T, files ...string) string {
	t.Helper()

	ws := t.TempDir()

	for _, f := range files {
		p := filepath.Join(ws, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0o644))
	}

	return ws
}

func linesWith(out, substr string) int {
	n := 0

	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}

	return n
}

func profile() *config.Profile {
	return &config.Profile{Name: "ci", Region: "eu-west-1"}
}

func TestRun_NoProfile(t *testing.T) {
	ws := setupWorkspace(t, "build/a.jar")
	up := &recordingUploader{}

	var out bytes.Buffer

	res := New(testLogger(), up, &out, Options{}).Run(context.Background(), &Request{
		Rules:     []config.Rule{{Source: "build/*.jar", Bucket: "b"}},
		Workspace: ws,
	})

	assert.Equal(t, StatusUnstable, res.Status)
	assert.Empty(t, up.calls)
	assert.Empty(t, res.Outcomes)
	assert.Contains(t, out.String(), Label+" No S3 profile is configured.")
	assert.Error(t, res.Err)
}

func TestRun_BuildJars(t *testing.T) {
	ws := setupWorkspace(t, "build/a.jar", "build/b.jar", "build/notes.txt")
	up := &recordingUploader{}

	var out bytes.Buffer

	res := New(testLogger(), up, &out, Options{}).Run(context.Background(), &Request{
		Rules:     []config.Rule{{Source: "build/*.jar", Bucket: "releases"}},
		Profile:   profile(),
		Workspace: ws,
	})

	assert.Equal(t, StatusOK, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"a.jar", "b.jar"}, up.keys())
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 0, res.Failed)

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, filepath.Join(ws, "build", "a.jar"), res.Outcomes[0].File.AbsolutePath)
	assert.Equal(t, "a.jar", res.Outcomes[0].Key)
	assert.Equal(t, "eu-west-1", res.Outcomes[0].Region)
	assert.Equal(t, config.StorageClassStandard, res.Outcomes[0].StorageClass)

	log := out.String()
	assert.Contains(t, log, Label+" Using S3 profile: ci")
	assert.Contains(t, log, Label+" bucket=releases, file=a.jar region=eu-west-1")
	assert.Contains(t, log, Label+" bucket=releases, file=b.jar region=eu-west-1")
	assert.Contains(t, log, "Uploaded s3://releases/a.jar (2.048kB)")
	assert.Less(t,
		strings.Index(log, "file=a.jar"),
		strings.Index(log, "file=b.jar"),
	)
}

func TestRun_EmptyMatchDoesNotDegrade(t *testing.T) {
	ws := setupWorkspace(t, "build/a.jar", "dist/app.zip")
	up := &recordingUploader{}

	var out bytes.Buffer

	res := New(testLogger(), up, &out, Options{}).Run(context.Background(), &Request{
		Rules: []config.Rule{
			{Source: "build/*.war", Bucket: "releases"},
			{Source: "dist/*.zip", Bucket: "releases"},
		},
		Profile:   profile(),
		Workspace: ws,
	})

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []string{"app.zip"}, up.keys())

	log := out.String()
	assert.Contains(t, log, Label+" No file(s) found: build/*.war")
	assert.Contains(t, log, `although "build" exists`)
	assert.Less(t,
		strings.Index(log, "No file(s) found"),
		strings.Index(log, "file=app.zip"),
	)
}

func TestRun_FailureDoesNotStopLaterUploads(t *testing.T) {
	ws := setupWorkspace(t, "build/a.jar", "build/b.jar", "dist/app.zip")
	up := &recordingUploader{fail: map[string]error{
		"a.jar": errors.New("connection reset by peer"),
	}}

	var out bytes.Buffer

	res := New(testLogger(), up, &out, Options{}).Run(context.Background(), &Request{
		Rules: []config.Rule{
			{Source: "build/*.jar", Bucket: "releases"},
			{Source: "dist/*.zip", Bucket: "releases"},
		},
		Profile:   profile(),
		Workspace: ws,
	})

	assert.Equal(t, StatusUnstable, res.Status)
	assert.Equal(t, []string{"a.jar", "b.jar", "app.zip"}, up.keys())
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 1, res.Failed)

	require.Len(t, res.Outcomes, 3)
	assert.False(t, res.Outcomes[0].Success)
	assert.Contains(t, res.Outcomes[0].Error, "connection reset")
	assert.True(t, res.Outcomes[1].Success)

	log := out.String()
	assert.Equal(t, 1, linesWith(log, "Failed to upload"))
	assert.Equal(t, 2, linesWith(log, "Uploaded s3://"))
	assert.Contains(t, log, "connection reset by peer")

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "connection reset by peer")
}

func TestRun_MacroExpansion(t *testing.T) {
	ws := setupWorkspace(t, "out-42/app.zip")
	up := &recordingUploader{}

	res := New(testLogger(), up, nil, Options{}).Run(context.Background(), &Request{
		Rules: []config.Rule{{
			Source:       "out-${BUILD_ID}/*.zip",
			Bucket:       "releases/${BRANCH}/${BUILD_ID}",
			StorageClass: "${CLASS}",
			Region:       "${REGION}",
		}},
		Profile:   profile(),
		Workspace: ws,
		Env: map[string]string{
			"BUILD_ID": "42",
			"BRANCH":   "main",
			"CLASS":    config.StorageClassReducedRedundancy,
			"REGION":   "US_WEST_2",
		},
		Metadata: []config.MetadataEntry{
			{Key: "build", Value: "${BUILD_ID}"},
			{Key: "${BRANCH}-flag", Value: "${UNKNOWN}"},
			{Key: "build", Value: "dup"},
		},
	})

	require.Equal(t, StatusOK, res.Status)
	require.Len(t, up.calls, 1)

	call := up.calls[0]
	assert.Equal(t, "releases/main/42", call.Bucket)
	assert.Equal(t, "app.zip", call.Key)
	assert.Equal(t, config.StorageClassReducedRedundancy, call.StorageClass)
	assert.Equal(t, "us-west-2", call.Region)
	assert.Equal(t, []config.MetadataEntry{
		{Key: "build", Value: "42"},
		{Key: "main-flag", Value: "${UNKNOWN}"},
		{Key: "build", Value: "dup"},
	}, call.Metadata)

	assert.Equal(t, "releases", res.Outcomes[0].Bucket)
	assert.Equal(t, "main/42/app.zip", res.Outcomes[0].Key)
}

func TestRun_InvalidRuleAfterExpansion(t *testing.T) {
	ws := setupWorkspace(t, "a.zip", "b.zip")

	tests := []struct {
		name     string
		rule     config.Rule
		contains string
	}{
		{
			name:     "unknown storage class",
			rule:     config.Rule{Source: "a.zip", Bucket: "b", StorageClass: "${CLASS}"},
			contains: `unknown storage class "GLACIER"`,
		},
		{
			name:     "empty bucket",
			rule:     config.Rule{Source: "a.zip", Bucket: "${EMPTY}/"},
			contains: "expands to an empty name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &recordingUploader{}

			var out bytes.Buffer

			res := New(testLogger(), up, &out, Options{}).Run(context.Background(), &Request{
				Rules: []config.Rule{
					tt.rule,
					{Source: "b.zip", Bucket: "ok"},
				},
				Profile:   profile(),
				Workspace: ws,
				Env:       map[string]string{"CLASS": "GLACIER", "EMPTY": ""},
			})

			assert.Equal(t, StatusUnstable, res.Status)
			assert.Equal(t, []string{"b.zip"}, up.keys())
			assert.Contains(t, out.String(), tt.contains)
		})
	}
}

func TestRun_Concurrent(t *testing.T) {
	files := []string{"d/0.bin", "d/1.bin", "d/2.bin", "d/3.bin", "d/4.bin", "d/5.bin", "d/6.bin", "d/7.bin"}
	ws := setupWorkspace(t, files...)
	up := &recordingUploader{fail: map[string]error{"3.bin": errors.New("boom")}}

	res := New(testLogger(), up, io.Discard, Options{
		Concurrency:         4,
		MaxUploadsPerSecond: 1000,
	}).Run(context.Background(), &Request{
		Rules:     []config.Rule{{Source: "d/*.bin", Bucket: "b"}},
		Profile:   profile(),
		Workspace: ws,
	})

	assert.Equal(t, StatusUnstable, res.Status)
	assert.Len(t, up.calls, len(files))
	require.Len(t, res.Outcomes, len(files))

	for i, o := range res.Outcomes {
		assert.Equal(t, filepath.Base(files[i]), o.Key)
		assert.Equal(t, o.Key != "3.bin", o.Success)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ws := setupWorkspace(t, "build/a.jar")
	up := &recordingUploader{}
	rec := &fakeRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer

	res := New(testLogger(), up, &out, Options{Recorder: rec}).Run(ctx, &Request{
		Rules:     []config.Rule{{Source: "build/*.jar", Bucket: "b"}},
		Profile:   profile(),
		Workspace: ws,
	})

	assert.Equal(t, StatusUnstable, res.Status)
	assert.Empty(t, up.calls)
	assert.Contains(t, out.String(), "Publishing interrupted")
	require.Len(t, rec.results, 1)
}

func TestRun_ThrottleWaitBeyondDeadlineIsReported(t *testing.T) {
	ws := setupWorkspace(t, "build/a.jar", "build/b.jar")
	up := &recordingUploader{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer

	// One token per 1000s: the second file can never start before the deadline.
	res := New(testLogger(), up, &out, Options{MaxUploadsPerSecond: 0.001}).Run(ctx, &Request{
		Rules:     []config.Rule{{Source: "build/*.jar", Bucket: "b"}},
		Profile:   profile(),
		Workspace: ws,
	})

	assert.Equal(t, StatusUnstable, res.Status)
	assert.Equal(t, []string{"a.jar"}, up.keys())
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, linesWith(out.String(), "Skipped "+filepath.Join(ws, "build", "b.jar")))
	assert.NotContains(t, out.String(), "Publishing interrupted")
}

func TestRun_RecordsHistory(t *testing.T) {
	ws := setupWorkspace(t, "a.zip")

	tests := []struct {
		name   string
		recErr error
	}{
		{name: "recorded"},
		{name: "recorder failure keeps status", recErr: errors.New("database is locked")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{err: tt.recErr}

			res := New(testLogger(), &recordingUploader{}, nil, Options{Recorder: rec}).
				Run(context.Background(), &Request{
					Rules:     []config.Rule{{Source: "*.zip", Bucket: "b"}},
					Profile:   profile(),
					Workspace: ws,
				})

			assert.Equal(t, StatusOK, res.Status)
			require.Len(t, rec.results, 1)
			assert.Same(t, res, rec.results[0])
			assert.NotEmpty(t, res.ID)
			assert.Equal(t, "ci", res.Profile)
			assert.False(t, res.FinishedAt.Before(res.StartedAt))
		})
	}
}

func TestRun_Excludes(t *testing.T) {
	ws := setupWorkspace(t, "dist/app.zip", "dist/app-debug.zip")
	up := &recordingUploader{}

	res := New(testLogger(), up, nil, Options{}).Run(context.Background(), &Request{
		Rules:     []config.Rule{{Source: "dist/*.zip", Exclude: "**/*-${FLAVOR}.zip", Bucket: "b"}},
		Profile:   profile(),
		Workspace: ws,
		Env:       map[string]string{"FLAVOR": "debug"},
	})

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []string{"app.zip"}, up.keys())
}
