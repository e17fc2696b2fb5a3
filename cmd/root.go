// Package cmd provides the command-line interface for proteus.
package cmd

import (
	"fmt"
	"os"

	"github.com/geekxflood/common/config"
	"github.com/spf13/cobra"

	"github.com/geekxflood/proteus/internal/app"
)

var (
	cfgFile string
	version = "dev" // Will be set by build flags
)

// defaultConfigPaths are tried in order when --config is not given.
var defaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/proteus/config.yaml",
	"/etc/proteus/config.yml",
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "proteus",
	Version: version,
	Short:   "SNMP agent serving managed objects",
	Long: `Proteus is an SNMP agent. It answers GET, GETNEXT, GETBULK and SET requests
against scalars and conceptual tables loaded from a seed file, commits SETs
atomically with undo, and persists writable state across restarts.`,
	Example: `# Start the agent with default config
	proteus

	# Start with specific configuration file
	proteus --config /etc/proteus/config.yaml

	# Generate sample configuration
	proteus generate --output config.yaml

	# Validate configuration and seed
	proteus validate --config config.yaml

	# Dump persisted object state
	proteus snapshot --config config.yaml`,
	SilenceUsage: true,
	RunE:         runServer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	manager, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer manager.Close()

	application, err := app.NewApplication(manager)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	application.SetConfigFile(configPath)

	if err := application.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return application.Run()
}

// findConfigFile returns --config or the first default path that exists.
func findConfigFile() string {
	if cfgFile != "" {
		return cfgFile
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func loadConfig() (config.Manager, string, error) {
	configPath := findConfigFile()

	options := config.Options{
		SchemaPath: "cmd/schemas/config.cue",
		ConfigPath: configPath,
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "No configuration file found, using schema defaults")
	} else {
		fmt.Fprintf(os.Stderr, "Loading configuration from: %s\n", configPath)
	}

	manager, err := config.NewManager(options)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create config manager: %w", err)
	}

	return manager, configPath, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
}
