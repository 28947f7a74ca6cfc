package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/macro"
	"github.com/ethpandaops/artifactoor/pkg/upload"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	checkProfile string
	checkTimeout time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify profile credentials and bucket access",
	Long: `List the buckets visible to each configured profile and probe every
bucket referenced by a publish rule.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkProfile, "profile", "",
		"only check this profile")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second,
		"timeout for all checks")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	profiles, err := selectProfiles(cfg, checkProfile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	env := macro.Environ(os.Environ())

	buckets := make([]string, 0, len(cfg.Publish.Rules))
	for _, rule := range cfg.Publish.Rules {
		bucket := macro.Expand(rule.Bucket, env)
		if macro.HasTokens(bucket) {
			log.WithField("bucket", rule.Bucket).
				Warn("Skipping bucket with unresolved macros")

			continue
		}

		buckets = append(buckets, bucket)
	}

	checker := upload.NewChecker(log)

	var errs *multierror.Error

	for _, profile := range profiles {
		res, err := checker.Check(ctx, profile, "", buckets)
		if err != nil {
			errs = multierror.Append(errs, err)

			continue
		}

		log.WithFields(logrus.Fields{
			"profile": res.Profile,
			"region":  res.Region,
			"buckets": len(res.Owned),
		}).Info("Credentials valid")

		for _, b := range res.Buckets {
			if b.Reachable {
				log.WithField("bucket", b.Name).Info("Bucket reachable")

				continue
			}

			errs = multierror.Append(errs,
				fmt.Errorf("profile %q: bucket %q: %w", res.Profile, b.Name, b.Err))
		}
	}

	return errs.ErrorOrNil()
}

// selectProfiles returns the profiles to check: all of them, or only the
// one called name.
func selectProfiles(cfg *config.Config, name string) ([]*config.Profile, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("no profiles configured")
	}

	out := make([]*config.Profile, 0, len(cfg.Profiles))

	for i := range cfg.Profiles {
		if name == "" || cfg.Profiles[i].Name == name {
			out = append(out, &cfg.Profiles[i])
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("profile %q is not configured", name)
	}

	return out, nil
}
