package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/davidthor/mdctl/pkg/awsclient"
	"github.com/davidthor/mdctl/pkg/catalog"
	"github.com/davidthor/mdctl/pkg/engine"
	"github.com/davidthor/mdctl/pkg/local"
	"github.com/davidthor/mdctl/pkg/logging"
)

func newLogger() zerolog.Logger {
	return logging.New(logging.Config{
		Level:   viper.GetString(ConfigKeyLogLevel),
		Format:  viper.GetString(ConfigKeyLogFormat),
		NoColor: !term.IsTerminal(int(os.Stderr.Fd())),
	})
}

// loadCatalog returns the configured catalog, or the built-in one.
func loadCatalog() (*catalog.Catalog, error) {
	if path := viper.GetString(ConfigKeyCatalog); path != "" {
		cat, err := catalog.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog %s: %w", path, err)
		}
		return cat, nil
	}
	return catalog.Default()
}

// engineConfig maps the CLI configuration onto an engine config.
func engineConfig() engine.Config {
	return engine.Config{
		PipelineName:   viper.GetString(ConfigKeyPipelineName),
		ArtifactBucket: viper.GetString(ConfigKeyArtifactBucket),
		PollInterval:   configDuration(ConfigKeyPollInterval),
		StatusTimeout:  configDuration(ConfigKeyStatusTimeout),
		MaxParallel:    viper.GetInt(ConfigKeyMaxParallel),
		NoQuotaRegions: configList(ConfigKeyNoQuotaRegions),
	}
}

// newEngine loads AWS credentials and builds an engine. Docker is optional:
// without it local deployments are disabled.
func newEngine(ctx context.Context, logger zerolog.Logger) (*engine.Engine, error) {
	cat, err := loadCatalog()
	if err != nil {
		return nil, err
	}

	clients, err := awsclient.Load(ctx, awsclient.Options{
		Region:   viper.GetString(ConfigKeyRegion),
		Profile:  viper.GetString(ConfigKeyProfile),
		Endpoint: viper.GetString(ConfigKeyEndpoint),
	})
	if err != nil {
		return nil, err
	}

	cfg := engineConfig()
	rt, err := local.NewRuntime(logging.Component(logger, "local"))
	if err != nil {
		logger.Debug().Err(err).Msg("docker unavailable, local deployments disabled")
	} else {
		cfg.Local = rt
	}

	return engine.NewEngine(clients, cat, cfg, logger), nil
}
