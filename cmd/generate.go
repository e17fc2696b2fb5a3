package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	outputFile string
	force      bool
	withSeed   bool
)

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate sample configuration files",
	Long:  `Generate a sample configuration file for the proteus SNMP agent, and optionally a sample seed file.`,
	Example: `# Generate config to stdout
	proteus generate

	# Generate config to specific file
	proteus generate --output config.yaml

	# Generate config and a sample seed next to it
	proteus generate --output /etc/proteus/config.yaml --seed

	# Overwrite existing file
	proteus generate --output config.yaml --force`,
	RunE: generateConfig,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file path (default: stdout)")
	generateCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing file")
	generateCmd.Flags().BoolVar(&withSeed, "seed", false, "Also write objects.cue next to the configuration")
}

const sampleConfig = `# Proteus SNMP Agent Configuration
# This is a sample configuration file with default values and examples.
# Modify the values according to your environment and requirements.

app:
  log_level: "info"
  log_format: "json"
  shutdown_timeout: "30s"

agent:
  host: "0.0.0.0"
  port: 161
  community: "public"
  # communities maps community strings to contexts and replaces community.
  # communities:
  #   public: ""
  #   lab-ro: "lab"
  max_handlers: 16
  read_timeout: "1s"
  request_timeout: "5s"
  buffer_size: 65536
  max_response_size: 1472
  max_varbinds: 128
  max_oid_length: 128
  # Sources as addresses, CIDR blocks or "10.1.*" prefixes.
  allowed_sources: []
  blocked_sources: []

engine:
  workers: 4
  queue_size: 1000
  max_repetitions: 100
  max_phase_passes: 8
  lock_timeout: "1s"

seed:
  # Leave empty for the built-in system group.
  path: "%s"

storage:
  enabled: true
  database_type: "sqlite3"
  connection_string: "./proteus.db"
  max_connections: 4
  save_interval: "1m"

retry:
  max_attempts: 3
  initial_delay: "200ms"
  max_delay: "5s"
  backoff_multiplier: 2.0
  jitter: true
  enable_circuit_breaker: true
  circuit_breaker:
    failure_threshold: 5
    timeout: "30s"

metrics:
  enabled: true
  listen_address: ":9090"
  metrics_path: "/metrics"
  health_path: "/health"
  ready_path: "/ready"
  namespace: "proteus"

reload:
  enabled: true
  watch_config_file: true
  watch_seed_file: true
  reload_delay: "2s"
  history_size: 100
`

const sampleSeed = `context: ""

objects: [
	{name: "sysDescr", oid: "1.3.6.1.2.1.1.1", syntax: "OCTET STRING", value: "proteus SNMP agent", group: "system"},
	{name: "sysObjectID", oid: "1.3.6.1.2.1.1.2", syntax: "OBJECT IDENTIFIER", value: "1.3.6.1.4.1.99999", group: "system"},
	{name: "sysUpTime", oid: "1.3.6.1.2.1.1.3", uptime: true, group: "system"},
	{name: "sysContact", oid: "1.3.6.1.2.1.1.4", syntax: "OCTET STRING", access: "read-write"},
	{name: "sysName", oid: "1.3.6.1.2.1.1.5", syntax: "OCTET STRING", access: "read-write"},
	{name: "sysLocation", oid: "1.3.6.1.2.1.1.6", syntax: "OCTET STRING", access: "read-write"},
]

tables: [{
	name:     "labTargetTable"
	entry:    "1.3.6.1.4.1.99999.2.1.1"
	max_rows: 64
	columns: [
		{id: 2, name: "labTargetAddress", syntax: "IpAddress", required: true},
		{id: 3, name: "labTargetPort", syntax: "INTEGER", default: "162"},
		{id: 4, name: "labTargetStatus", syntax: "INTEGER", rowstatus: true},
	]
	rows: [
		{index: "1", values: {labTargetAddress: "192.0.2.10"}},
	]
}]
`

func generateConfig(cmd *cobra.Command, args []string) error {
	seedPath := ""
	if withSeed && outputFile != "" {
		seedPath = filepath.Join(filepath.Dir(outputFile), "objects.cue")
	}
	configYAML := fmt.Sprintf(sampleConfig, seedPath)

	if outputFile == "" {
		fmt.Print(configYAML)
		if withSeed {
			fmt.Print("---\n", sampleSeed)
		}
		return nil
	}

	if err := writeFile(outputFile, configYAML); err != nil {
		return err
	}
	fmt.Printf("Configuration file generated: %s\n", outputFile)

	if seedPath != "" {
		if err := writeFile(seedPath, sampleSeed); err != nil {
			return err
		}
		fmt.Printf("Seed file generated: %s\n", seedPath)
	}
	return nil
}

func writeFile(path, content string) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("file %s already exists, use --force to overwrite", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
