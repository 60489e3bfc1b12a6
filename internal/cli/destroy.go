package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alloy-run/alloy"
	"github.com/alloy-run/alloy/internal/logging"
	"github.com/alloy-run/alloy/providers/aws"
	"github.com/alloy-run/alloy/providers/docker"
	"github.com/alloy-run/alloy/providers/fs"
	"github.com/alloy-run/alloy/providers/null"
	"github.com/alloy-run/alloy/state"
)

var (
	destroyApp       string
	destroyStage     string
	destroyAWSRegion string
)

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete every resource recorded for an app and stage",
	Long: `Delete every resource recorded for an app and stage, in reverse
dependency order, and remove the records.

Providers are resolved from the built-in set by each record's type tag;
records with unknown type tags are reported and left in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if destroyApp == "" {
			return fmt.Errorf("--app is required")
		}

		store := state.NewFileStore(stateDir)
		scopePath := destroyApp + "/" + destroyStage
		if err := store.Lock(scopePath); err != nil {
			return err
		}
		defer store.Unlock(scopePath)

		root := alloy.NewScope(destroyApp, alloy.ScopeOptions{
			Stage:     destroyStage,
			Store:     store,
			Providers: builtinRegistry(cmd),
		})

		// Nested scopes go first so cross-scope dependents are gone before
		// the resources they depend on.
		paths, err := store.ScopePaths(cmd.Context(), scopePath)
		if err != nil {
			return err
		}
		sort.Slice(paths, func(i, j int) bool {
			return strings.Count(paths[i], "/") > strings.Count(paths[j], "/")
		})

		var errs []error
		for _, p := range paths {
			scope := root
			if rest, ok := strings.CutPrefix(p, scopePath+"/"); ok {
				for _, name := range strings.Split(rest, "/") {
					scope = scope.Child(name)
				}
			}
			if err := scope.Destroy(cmd.Context()); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	},
}

// builtinRegistry registers every provider this binary ships. The AWS
// provider needs credentials; without them its resource types simply stay
// unregistered and their records surface as failures.
func builtinRegistry(cmd *cobra.Command) *alloy.Registry {
	reg := alloy.NewRegistry()

	reg.Register(null.TypeResource, null.New())

	fsProvider := fs.New()
	reg.Register(fs.TypeFile, fsProvider)
	reg.Register(fs.TypeFolder, fsProvider)

	dockerProvider := docker.New()
	reg.Register(docker.TypeContainer, dockerProvider)
	reg.Register(docker.TypeVolume, dockerProvider)
	reg.Register(docker.TypeNetwork, dockerProvider)

	region := destroyAWSRegion
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	awsProvider, err := aws.New(cmd.Context(), aws.Options{Region: region})
	if err != nil {
		logging.Warn("AWS provider unavailable, skipping aws:: resource types", "error", err)
	} else {
		reg.Register(aws.TypeSSMParameter, awsProvider)
		reg.Register(aws.TypeS3Bucket, awsProvider)
	}

	return reg
}

func init() {
	destroyCmd.Flags().StringVar(&destroyApp, "app", "", "application name (root scope)")
	destroyCmd.Flags().StringVar(&destroyStage, "stage", "dev", "deployment stage")
	destroyCmd.Flags().StringVar(&destroyAWSRegion, "aws-region", "", "AWS region for aws:: resources")
}
