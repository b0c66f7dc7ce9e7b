package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidthor/mdctl/pkg/pipeline"
	"github.com/davidthor/mdctl/pkg/reconcile"
)

// Viper/config keys. Every key can also be set through the environment as
// MDCTL_<KEY> with dots replaced by underscores.
const (
	ConfigKeyRegion         = "region"
	ConfigKeyProfile        = "profile"
	ConfigKeyEndpoint       = "endpoint"
	ConfigKeyPipelineName   = "pipeline_name"
	ConfigKeyArtifactBucket = "artifact_bucket"
	ConfigKeyCatalog        = "catalog"
	ConfigKeyPollInterval   = "poll_interval"
	ConfigKeyStatusTimeout  = "status_timeout"
	ConfigKeyMaxParallel    = "max_parallel"
	ConfigKeyNoQuotaRegions = "no_quota_regions"
	ConfigKeyLogLevel       = "log.level"
	ConfigKeyLogFormat      = "log.format"
)

type configKey struct {
	name        string
	description string
	validate    func(string) error
}

var configKeys = []configKey{
	{name: ConfigKeyRegion, description: "AWS region used when --region is not specified."},
	{name: ConfigKeyProfile, description: "AWS shared config profile."},
	{name: ConfigKeyEndpoint, description: "Endpoint override for every AWS service (LocalStack)."},
	{name: ConfigKeyPipelineName, description: "Control plane pipeline name."},
	{name: ConfigKeyArtifactBucket, description: "S3 bucket for control plane artifacts (\"auto\" derives one)."},
	{name: ConfigKeyCatalog, description: "Path to a model catalog file replacing the built-in one."},
	{name: ConfigKeyPollInterval, description: "Interval between pipeline polls (e.g. 10s).", validate: validateDuration},
	{name: ConfigKeyStatusTimeout, description: "Time budget for a status query (e.g. 60s).", validate: validateDuration},
	{name: ConfigKeyMaxParallel, description: "Active executions allowed per deployment.", validate: validatePositiveInt},
	{name: ConfigKeyNoQuotaRegions, description: "Comma-separated regions where quota checks are skipped."},
	{name: ConfigKeyLogLevel, description: "Log level (trace, debug, info, warn, error)."},
	{name: ConfigKeyLogFormat, description: "Log format (console, json)."},
}

func setConfigDefaults() {
	viper.SetDefault(ConfigKeyPipelineName, pipeline.DefaultPipelineName)
	viper.SetDefault(ConfigKeyPollInterval, "10s")
	viper.SetDefault(ConfigKeyStatusTimeout, reconcile.DefaultTimeout.String())
	viper.SetDefault(ConfigKeyMaxParallel, reconcile.DefaultParallelLimit)
	viper.SetDefault(ConfigKeyLogLevel, "info")
	viper.SetDefault(ConfigKeyLogFormat, "console")
}

func lookupConfigKey(name string) (configKey, bool) {
	for _, k := range configKeys {
		if k.name == name {
			return k, true
		}
	}
	return configKey{}, false
}

func availableKeys() string {
	var b strings.Builder
	b.WriteString("Available keys:\n")
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  %-18s %s\n", displayKey(k.name), k.description)
	}
	return b.String()
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Get and set mdctl CLI configuration values stored in ~/.mdctl/config.yaml.`,
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigListCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in ~/.mdctl/config.yaml.

` + availableKeys() + `
Examples:
  mdctl config set region us-west-2
  mdctl config set poll-interval 15s`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]

			// Normalize key names: allow dashes in CLI, store with underscores
			viperKey := normalizeConfigKey(key)

			k, ok := lookupConfigKey(viperKey)
			if !ok {
				return fmt.Errorf("unknown configuration key %q\n\n%s", key, availableKeys())
			}
			if k.validate != nil {
				if err := k.validate(value); err != nil {
					return fmt.Errorf("invalid value for %s: %w", key, err)
				}
			}

			viper.Set(viperKey, value)
			if err := writeConfig(); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Long: `Get a configuration value from ~/.mdctl/config.yaml, the environment or
the built-in default.

Examples:
  mdctl config get region`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			viperKey := normalizeConfigKey(key)

			value := configString(viperKey)
			if value == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not set\n", key)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), value)
			}
			return nil
		},
	}

	return cmd
}

func newConfigListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all configuration values",
		Long:  `List all configuration values, including defaults.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration:")

			set := 0
			for _, k := range configKeys {
				value := configString(k.name)
				if value == "" {
					continue
				}
				fmt.Fprintf(out, "  %s = %s\n", displayKey(k.name), value)
				set++
			}
			if set == 0 {
				fmt.Fprintln(out, "  (no values set)")
			}

			return nil
		},
	}

	return cmd
}

// configString renders a config value, joining list values with commas.
func configString(key string) string {
	if key == ConfigKeyNoQuotaRegions {
		return strings.Join(configList(key), ",")
	}
	return viper.GetString(key)
}

// configList reads a list value that may be a YAML list or a comma-separated
// string (as it is when it comes from the environment).
func configList(key string) []string {
	var raw []string
	switch v := viper.Get(key).(type) {
	case nil:
		return nil
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = strings.Split(fmt.Sprint(v), ",")
	}

	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// configDuration reads a duration, returning zero for unparseable values so
// callers fall back to their defaults.
func configDuration(key string) time.Duration {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil {
		return 0
	}
	return d
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

// writeConfig writes the current viper config to the config file.
func writeConfig() error {
	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir := filepath.Join(home, ".mdctl")
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	return viper.WriteConfigAs(configPath)
}

// normalizeConfigKey converts CLI-style keys (with dashes) to viper-style keys (with underscores).
func normalizeConfigKey(key string) string {
	switch key {
	case "log-level":
		return ConfigKeyLogLevel
	case "log-format":
		return ConfigKeyLogFormat
	default:
		return strings.ReplaceAll(key, "-", "_")
	}
}

// displayKey is the inverse of normalizeConfigKey.
func displayKey(key string) string {
	return strings.NewReplacer("_", "-", ".", "-").Replace(key)
}
