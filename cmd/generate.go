package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/geekxflood/proteus/cmd/schemas"
	"github.com/spf13/cobra"
)

var (
	outputFile string
	force      bool
)

const sampleHeader = `# Proteus SNMP agent configuration
# Every key is optional; the values below are the defaults.
# device.source is serial, file or static. server.family is dual, ipv4 or ipv6.
# agent.allowed_sources and agent.blocked_sources take CIDRs or addresses.

`

// sampleConfig renders the schema defaults under the header.
func sampleConfig() ([]byte, error) {
	defaults, err := schemas.DefaultsYAML()
	if err != nil {
		return nil, err
	}
	return append([]byte(sampleHeader), defaults...), nil
}

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a sample configuration file",
	Long:  `Generate a sample configuration file listing every setting with its default.`,
	Example: `# Generate config to stdout
	proteus generate

	# Generate config to specific file
	proteus generate --output config.yaml

	# Overwrite existing file
	proteus generate --output config.yaml --force`,
	RunE: generateConfig,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file path (default: stdout)")
	generateCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing file")
}

func generateConfig(cmd *cobra.Command, args []string) error {
	sample, err := sampleConfig()
	if err != nil {
		return err
	}

	if outputFile == "" {
		_, err := cmd.OutOrStdout().Write(sample)
		return err
	}

	if _, err := os.Stat(outputFile); err == nil && !force {
		return fmt.Errorf("file %s already exists, use --force to overwrite", outputFile)
	}

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(outputFile, sample, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration file generated: %s\n", outputFile)
	return nil
}
