package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/history"
	"github.com/ethpandaops/artifactoor/pkg/macro"
	"github.com/ethpandaops/artifactoor/pkg/publisher"
	"github.com/ethpandaops/artifactoor/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	publishWorkspace      string
	publishProfile        string
	publishEnv            []string
	publishMetadata       []string
	publishDryRun         bool
	publishFailOnUnstable bool
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload matched workspace files",
	Long: `Expand macros in every configured rule, match the rule's source mask
against the workspace and upload each matched file to the rule's bucket.`,
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVar(&publishWorkspace, "workspace", "",
		"workspace directory (overrides publish.workspace)")
	publishCmd.Flags().StringVar(&publishProfile, "profile", "",
		"profile name (overrides publish.profile)")
	publishCmd.Flags().StringSliceVar(&publishEnv, "env", nil,
		"macro variable as KEY=VALUE, on top of the process environment (can be repeated)")
	publishCmd.Flags().StringSliceVar(&publishMetadata, "metadata", nil,
		"object metadata as key=value, appended to publish.metadata (can be repeated)")
	publishCmd.Flags().BoolVar(&publishDryRun, "dry-run", false,
		"match files and report uploads without contacting storage")
	publishCmd.Flags().BoolVar(&publishFailOnUnstable, "fail-on-unstable", false,
		fmt.Sprintf("exit with code %d when the run ends UNSTABLE", exitUnstable))
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if publishWorkspace != "" {
		cfg.Publish.Workspace = publishWorkspace
	}

	if publishProfile != "" {
		cfg.Publish.Profile = publishProfile
	}

	metadata, err := parsePairs("metadata", publishMetadata)
	if err != nil {
		return err
	}

	for _, kv := range metadata {
		cfg.Publish.Metadata = append(cfg.Publish.Metadata,
			config.MetadataEntry{Key: kv[0], Value: kv[1]})
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	env := macro.Environ(os.Environ())

	overrides, err := parsePairs("env", publishEnv)
	if err != nil {
		return err
	}

	for _, kv := range overrides {
		env[kv[0]] = kv[1]
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := publisher.Options{
		Concurrency:         cfg.Publish.Concurrency,
		MaxUploadsPerSecond: cfg.Publish.MaxUploadsPerSecond,
		DefaultExcludes:     cfg.Publish.DefaultExcludes,
	}

	recorder, err := newHistoryRecorder(ctx, cfg, publishDryRun)
	if err != nil {
		return err
	}

	if recorder != nil {
		defer func() {
			if err := recorder.Stop(); err != nil {
				log.WithError(err).Warn("Failed to close history store")
			}
		}()

		opts.Recorder = recorder
	}

	var uploader upload.Uploader
	if publishDryRun {
		uploader = upload.NewDryRunUploader(log)
	} else {
		uploader = upload.NewS3Uploader(log)
	}

	result := publisher.New(log, uploader, os.Stdout, opts).Run(ctx, &publisher.Request{
		Rules:     cfg.Publish.Rules,
		Profile:   cfg.ResolveProfile(),
		Workspace: cfg.Publish.Workspace,
		Env:       env,
		Metadata:  cfg.Publish.Metadata,
	})

	log.WithFields(logrus.Fields{
		"run_id":   result.ID,
		"status":   result.Status,
		"uploaded": result.Uploaded,
		"failed":   result.Failed,
		"dry_run":  publishDryRun,
	}).Info("Publish completed")

	if result.Status == publisher.StatusUnstable && publishFailOnUnstable {
		return errUnstable
	}

	return nil
}

// newHistoryRecorder starts the history store when history is enabled. Dry
// runs upload nothing and are never recorded, so it returns nil for them.
func newHistoryRecorder(
	ctx context.Context, cfg *config.Config, dryRun bool,
) (history.Store, error) {
	if cfg.History == nil || !cfg.History.Enabled {
		return nil, nil
	}

	if dryRun {
		log.Info("Dry run, history recording disabled")

		return nil, nil
	}

	store := history.NewStore(log, &cfg.History.Database)
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting history store: %w", err)
	}

	return store, nil
}
