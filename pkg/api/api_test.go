package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/history"
	"github.com/ethpandaops/artifactoor/pkg/pattern"
	"github.com/ethpandaops/artifactoor/pkg/publisher"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(
	t *testing.T, cfg *config.APIConfig, profiles ...config.Profile,
) (*server, http.Handler) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dbCfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "history.db"),
		},
	}

	s := newServer(log, cfg, dbCfg, profiles)
	if cfg.Downloads.Enabled {
		presigner, err := newS3Presigner(log, profiles, &cfg.Downloads)
		require.NoError(t, err)

		s.presigner = presigner
	}

	s.history = history.NewStore(log, dbCfg)
	require.NoError(t, s.history.Start(context.Background()))

	t.Cleanup(func() {
		close(s.done)
		_ = s.history.Stop()
	})

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2"} {
		require.NoError(t, s.history.RecordRun(context.Background(), &publisher.Result{
			ID:         id,
			Status:     publisher.StatusOK,
			Profile:    "ci",
			Workspace:  "/ws",
			StartedAt:  started.Add(time.Duration(i) * time.Hour),
			FinishedAt: started.Add(time.Duration(i)*time.Hour + time.Second),
			Uploaded:   1,
			Outcomes: []publisher.Outcome{{
				File:         pattern.MatchedFile{AbsolutePath: "/ws/build/a.jar", RelativeKey: "a.jar"},
				Bucket:       "releases",
				Key:          "a.jar",
				Region:       "us-east-1",
				StorageClass: config.StorageClassStandard,
				Size:         10,
				Success:      true,
			}, {
				File:         pattern.MatchedFile{AbsolutePath: "/ws/build/b.jar", RelativeKey: "b.jar"},
				Bucket:       "releases",
				Key:          "b.jar",
				Region:       "us-east-1",
				StorageClass: config.StorageClassStandard,
				Error:        "access denied",
			}},
		}))
	}

	return s, s.buildRouter()
}

func doRequest(h http.Handler, method, path string, setup func(r *http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if setup != nil {
		setup(req)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestRoutes(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{})

	tests := []struct {
		name       string
		path       string
		wantStatus int
		check      func(t *testing.T, body []byte)
	}{
		{
			name:       "health",
			path:       "/api/v1/health",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				assert.JSONEq(t, `{"status":"ok"}`, string(body))
			},
		},
		{
			name:       "list runs newest first",
			path:       "/api/v1/runs",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp struct {
					Runs []runResponse `json:"runs"`
				}
				require.NoError(t, json.Unmarshal(body, &resp))
				require.Len(t, resp.Runs, 2)
				assert.Equal(t, "run-2", resp.Runs[0].ID)
				assert.Equal(t, "OK", resp.Runs[0].Status)
			},
		},
		{
			name:       "list runs with limit",
			path:       "/api/v1/runs?limit=1",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp struct {
					Runs []runResponse `json:"runs"`
				}
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Len(t, resp.Runs, 1)
			},
		},
		{
			name:       "invalid limit",
			path:       "/api/v1/runs?limit=abc",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "get run",
			path:       "/api/v1/runs/run-1",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp runResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Equal(t, "run-1", resp.ID)
				assert.Equal(t, 1, resp.Uploaded)
			},
		},
		{
			name:       "unknown run",
			path:       "/api/v1/runs/nope",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "artifacts",
			path:       "/api/v1/runs/run-1/artifacts",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp struct {
					Artifacts []artifactResponse `json:"artifacts"`
				}
				require.NoError(t, json.Unmarshal(body, &resp))
				require.Len(t, resp.Artifacts, 1)
				assert.Equal(t, "releases", resp.Artifacts[0].Bucket)
				assert.Equal(t, "/ws/build/a.jar", resp.Artifacts[0].LocalPath)
				assert.True(t, resp.Artifacts[0].Success)
			},
		},
		{
			name:       "artifacts of unknown run",
			path:       "/api/v1/runs/nope/artifacts",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			if tt.check != nil {
				tt.check(t, rec.Body.Bytes())
			}
		})
	}
}

func TestArtifactDownload(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{
		Downloads: config.DownloadsConfig{Enabled: true, Expiry: "10m"},
	}, config.Profile{
		Name:            "ci",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		EndpointURL:     "http://localhost:9000",
		ForcePathStyle:  true,
	})

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "uploaded artifact", path: "/api/v1/runs/run-1/artifacts/0/download", wantStatus: http.StatusOK},
		{name: "failed artifact", path: "/api/v1/runs/run-2/artifacts/1/download", wantStatus: http.StatusConflict},
		{name: "unknown artifact", path: "/api/v1/runs/run-1/artifacts/7/download", wantStatus: http.StatusNotFound},
		{name: "invalid seq", path: "/api/v1/runs/run-1/artifacts/x/download", wantStatus: http.StatusBadRequest},
		{name: "unknown run", path: "/api/v1/runs/nope/artifacts/0/download", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	rec := doRequest(h, http.MethodGet, "/api/v1/runs/run-1/artifacts/0/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["url"], "localhost:9000/releases/a.jar")
	assert.Contains(t, resp["url"], "X-Amz-Signature")
	assert.Contains(t, resp["url"], "X-Amz-Expires=600")
}

func TestArtifactDownload_Disabled(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{})

	rec := doRequest(h, http.MethodGet, "/api/v1/runs/run-1/artifacts/0/download", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresigner_UnknownProfile(t *testing.T) {
	p, err := newS3Presigner(logrus.New(), nil, &config.DownloadsConfig{Expiry: "1m"})
	require.NoError(t, err)

	_, err = p.GeneratePresignedURL(context.Background(), "missing", "", "b", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `profile "missing"`)
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	_, h := newTestServer(t, &config.APIConfig{
		Auth: config.APIAuthConfig{Basic: config.BasicAuthConfig{
			Enabled: true,
			Users:   []config.BasicAuthUser{{Username: "ci", PasswordHash: string(hash)}},
		}},
	})

	tests := []struct {
		name       string
		path       string
		user, pass string
		wantStatus int
	}{
		{name: "health is public", path: "/api/v1/health", wantStatus: http.StatusOK},
		{name: "no credentials", path: "/api/v1/runs", wantStatus: http.StatusUnauthorized},
		{name: "wrong password", path: "/api/v1/runs", user: "ci", pass: "nope", wantStatus: http.StatusUnauthorized},
		{name: "unknown user", path: "/api/v1/runs", user: "eve", pass: "s3cret", wantStatus: http.StatusUnauthorized},
		{name: "valid credentials", path: "/api/v1/runs", user: "ci", pass: "s3cret", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, tt.path, func(r *http.Request) {
				if tt.user != "" {
					r.SetBasicAuth(tt.user, tt.pass)
				}
			})
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	_, h := newTestServer(t, &config.APIConfig{
		Server: config.APIServerConfig{
			RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
		},
	})

	codes := make([]int, 0, 3)
	for n := 0; n < 3; n++ {
		rec := doRequest(h, http.MethodGet, "/api/v1/runs", func(r *http.Request) {
			r.RemoteAddr = "10.0.0.1:1234"
		})
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rec := doRequest(h, http.MethodGet, "/api/v1/runs", func(r *http.Request) {
		r.RemoteAddr = "10.0.0.2:1234"
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_ThrottlesFailedLogins(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	_, h := newTestServer(t, &config.APIConfig{
		Server: config.APIServerConfig{
			RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
		},
		Auth: config.APIAuthConfig{Basic: config.BasicAuthConfig{
			Enabled: true,
			Users:   []config.BasicAuthUser{{Username: "ci", PasswordHash: string(hash)}},
		}},
	})

	codes := make([]int, 0, 3)
	for n := 0; n < 3; n++ {
		rec := doRequest(h, http.MethodGet, "/api/v1/runs", func(r *http.Request) {
			r.RemoteAddr = "10.0.0.3:1234"
			r.SetBasicAuth("ci", "guess")
		})
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{
		http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests,
	}, codes)
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "forwarded chain", xff: "203.0.113.9, 10.0.0.1", remote: "10.0.0.1:80", want: "203.0.113.9"},
		{name: "remote without port", remote: "192.0.2.7", want: "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote

			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(r))
		})
	}
}

func TestRateLimiterMap_Evict(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	rl := newRateLimiterMap(60, done)
	rl.getLimiter("a")

	rl.evict(time.Now())
	assert.Len(t, rl.limiters, 1)

	rl.evict(time.Now().Add(rateLimitEntryTTL + time.Second))
	assert.Empty(t, rl.limiters)
}
