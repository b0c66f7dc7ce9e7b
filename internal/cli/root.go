// Package cli implements the mdctl CLI commands.
package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mdctl",
	Short: "Deploy language models to AWS and track them",
	Long: `mdctl deploys language models to AWS through a CodePipeline control plane.

A deployment is addressed by model id and tag ("Qwen2.5-7B-Instruct/dev").
Each deployment runs as a pipeline execution that builds an image and
provisions a CloudFormation stack. mdctl reconciles the pipeline history
with the live stacks to report what is actually deployed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mdctl/config.yaml)")
	pf.String("region", "", "AWS region")
	pf.String("profile", "", "AWS shared config profile")
	pf.String("pipeline-name", "", "Control plane pipeline name")
	pf.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "Log format (console, json)")

	configureViper()

	// Add subcommands
	rootCmd.AddCommand(newDeployCmd())
	rootCmd.AddCommand(newDestroyCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newBootstrapCmd())
	rootCmd.AddCommand(newCatalogCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// configureViper binds the global flags and the MDCTL_ environment to viper
// and registers the defaults.
func configureViper() {
	pf := rootCmd.PersistentFlags()
	_ = viper.BindPFlag(ConfigKeyRegion, pf.Lookup("region"))
	_ = viper.BindPFlag(ConfigKeyProfile, pf.Lookup("profile"))
	_ = viper.BindPFlag(ConfigKeyPipelineName, pf.Lookup("pipeline-name"))
	_ = viper.BindPFlag(ConfigKeyLogLevel, pf.Lookup("log-level"))
	_ = viper.BindPFlag(ConfigKeyLogFormat, pf.Lookup("log-format"))
	viper.SetEnvPrefix("MDCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	setConfigDefaults()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in home directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.mdctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// Read config file if it exists
	_ = viper.ReadInConfig()
}
