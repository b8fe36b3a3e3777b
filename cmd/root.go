// Package cmd provides the command-line interface for proteus.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/cmd/schemas"
	"github.com/geekxflood/proteus/internal/app"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "proteus",
	Version: version.Version,
	Short:   "SNMP agent for the SDK sensor board",
	Long: `Proteus answers SNMP v1 and v2c requests over UDP and TCP for a small MIB
holding the SDK sensor board readings: temperature, firmware versions, relay
state, optical relays and dry contacts. The board is polled over a serial line.`,
	Example: `# Start the agent with default config
	proteus

	# Start with specific configuration file
	proteus --config /etc/proteus/config.yaml

	# Generate sample configuration
	proteus generate --output config.yaml

	# Walk a running agent
	proteus walk --target 127.0.0.1:161`,
	SilenceUsage: true,
	RunE:         runAgent,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	manager, configPath, cleanup, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer cleanup()
	defer manager.Close()

	logger, err := newLogger(manager)
	if err != nil {
		return err
	}

	logger.Info("Starting proteus", "version", version.Info(), "build_context", version.BuildContext())

	application, err := app.New(manager, app.Options{
		ConfigPath: configPath,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// SIGHUP stops the agent like SIGINT and SIGTERM. Configuration changes
	// are picked up by watching the file.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(manager config.Provider) (logging.Logger, error) {
	level, _ := manager.GetString("logging.level", "info")
	format, _ := manager.GetString("logging.format", "json")

	logger, _, err := logging.NewLogger(logging.Config{
		Level:  level,
		Format: format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger.With("service", "proteus"), nil
}

// findConfig returns the --config path or the first default location that exists.
func findConfig() string {
	if cfgFile != "" {
		return cfgFile
	}

	defaultPaths := []string{
		"config.yaml",
		"config.yml",
		"/etc/proteus/config.yaml",
		"/etc/proteus/config.yml",
	}

	for _, path := range defaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadConfig builds a manager over the embedded schema. The schema file it
// writes is removed by cleanup, which must run after the last reload.
func loadConfig() (config.Manager, string, func(), error) {
	configPath := findConfig()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "No configuration file found, using schema defaults")
	} else {
		fmt.Fprintf(os.Stderr, "Loading configuration from: %s\n", configPath)
	}

	schemaPath, cleanup, err := schemas.WriteTemp()
	if err != nil {
		return nil, "", nil, err
	}

	manager, err := config.NewManager(config.Options{
		SchemaPath: schemaPath,
		ConfigPath: configPath,
	})
	if err != nil {
		cleanup()
		return nil, "", nil, fmt.Errorf("failed to create config manager: %w", err)
	}

	return manager, configPath, cleanup, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.SetVersionTemplate(version.Print("proteus") + "\n")
}
