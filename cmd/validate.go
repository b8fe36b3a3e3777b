package cmd

import (
	"fmt"
	"os"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/proteus/cmd/schemas"
	"github.com/geekxflood/proteus/internal/agent"
	"github.com/geekxflood/proteus/internal/cmdserver"
	"github.com/geekxflood/proteus/internal/device"
	"github.com/geekxflood/proteus/internal/history"
	"github.com/geekxflood/proteus/internal/mib"
	"github.com/geekxflood/proteus/internal/reload"
	"github.com/geekxflood/proteus/internal/retry"
	"github.com/geekxflood/proteus/internal/server"
	"github.com/spf13/cobra"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file against the schema, then load every
component's settings and build the MIB without binding any socket.`,
	Example: `# Validate configuration file
	proteus validate --config config.yaml

	# Validate using default config locations
	proteus validate`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configPath := findConfig()
	if configPath == "" {
		return fmt.Errorf("no configuration file found, specify with --config or create config.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating configuration file: %s\n", configPath)

	if err := schemas.Check(configPath, data); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration matches the schema")

	manager, _, cleanup, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	defer cleanup()
	defer manager.Close()

	if err := checkComponents(manager); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ Component settings are valid")

	entries, err := checkMIB(manager)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ MIB builds with %d entries\n", entries)

	fmt.Fprintln(out, "✓ Configuration validation completed successfully")
	return nil
}

// checkComponents runs every section loader so range errors surface here
// rather than at startup.
func checkComponents(cfg config.Provider) error {
	checks := []struct {
		section string
		load    func(config.Provider) error
	}{
		{"server", func(c config.Provider) error { _, err := server.LoadServerConfig(c); return err }},
		{"agent", func(c config.Provider) error { _, err := agent.LoadAccessConfig(c); return err }},
		{"device", func(c config.Provider) error { _, err := device.LoadDeviceConfig(c); return err }},
		{"retry", func(c config.Provider) error { _, err := retry.LoadRetryConfig(c); return err }},
		{"history", func(c config.Provider) error { _, err := history.LoadHistoryConfig(c); return err }},
		{"command_server", func(c config.Provider) error { _, err := cmdserver.LoadCommandServerConfig(c); return err }},
		{"reload", func(c config.Provider) error { _, err := reload.LoadReloadConfig(c); return err }},
	}

	for _, check := range checks {
		if err := check.load(cfg); err != nil {
			return fmt.Errorf("invalid %s configuration: %w", check.section, err)
		}
	}
	return nil
}

func checkMIB(cfg config.Provider) (int, error) {
	layout, err := mib.LoadLayout(cfg)
	if err != nil {
		return 0, fmt.Errorf("invalid mib configuration: %w", err)
	}

	store, err := mib.Build(layout.Declarations())
	if err != nil {
		return 0, fmt.Errorf("failed to build MIB: %w", err)
	}
	return store.Len(), nil
}
