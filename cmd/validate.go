package cmd

import (
	"fmt"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/spf13/cobra"

	"github.com/geekxflood/proteus/internal/directory"
	"github.com/geekxflood/proteus/internal/seed"
)

var (
	seedFile string
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and seed files",
	Long: `Validate the configuration file against its schema, then load the seed file
it names and check that every object registers without overlap.`,
	Example: `# Validate configuration file and its seed
	proteus validate --config config.yaml

	# Validate a seed file on its own terms
	proteus validate --seed objects.cue`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&seedFile, "seed", "", "Seed file to validate (default: seed.path from the configuration)")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configPath := findConfigFile()

	path := seedFile
	if configPath != "" {
		fmt.Printf("Validating configuration file: %s\n", configPath)

		manager, err := config.NewManager(config.Options{
			SchemaPath: "cmd/schemas/config.cue",
			ConfigPath: configPath,
		})
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		defer manager.Close()

		if err := manager.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		fmt.Println("✓ Configuration syntax is valid")

		if path == "" {
			path, _ = manager.GetString("seed.path", "")
		}
	} else if seedFile == "" {
		return fmt.Errorf("no configuration file found, specify with --config or --seed")
	}

	if err := validateSeed(path); err != nil {
		return fmt.Errorf("seed validation failed: %w", err)
	}

	fmt.Println("✓ Validation completed successfully")
	return nil
}

// validateSeed loads the seed and installs it into a scratch directory so
// overlapping registrations are caught too.
func validateSeed(path string) error {
	def, err := seed.Load(path)
	if err != nil {
		return err
	}

	logger, _, err := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	handlers, err := def.Install(directory.New(logger), time.Now())
	if err != nil {
		return err
	}

	name := path
	if name == "" {
		name = "built-in system group"
	}
	fmt.Printf("✓ Seed %s is valid: %d objects in context %q\n", name, len(handlers), def.Context)
	return nil
}
