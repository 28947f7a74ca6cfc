package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/history"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	dbCfg      *config.DatabaseConfig
	history    history.Store
	presigner  *s3Presigner
	profiles   []config.Profile
	users      map[string]string
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new read-only API server over the history database.
// profiles are only used to sign artifact download links.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	dbCfg *config.DatabaseConfig,
	profiles []config.Profile,
) Server {
	return newServer(log, cfg, dbCfg, profiles)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	dbCfg *config.DatabaseConfig,
	profiles []config.Profile,
) *server {
	users := make(map[string]string, len(cfg.Auth.Basic.Users))
	for _, u := range cfg.Auth.Basic.Users {
		users[u.Username] = u.PasswordHash
	}

	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		dbCfg:    dbCfg,
		profiles: profiles,
		users:    users,
		done:     make(chan struct{}),
	}
}

// Start opens the history store and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.history = history.NewStore(s.log, s.dbCfg)
	if err := s.history.Start(ctx); err != nil {
		return fmt.Errorf("starting history store: %w", err)
	}

	if s.cfg.Downloads.Enabled {
		presigner, err := newS3Presigner(s.log, s.profiles, &s.cfg.Downloads)
		if err != nil {
			return fmt.Errorf("initializing s3 presigner: %w", err)
		}

		s.presigner = presigner

		s.log.Info("Artifact download links enabled")
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.history != nil {
		if err := s.history.Stop(); err != nil {
			return fmt.Errorf("stopping history store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
