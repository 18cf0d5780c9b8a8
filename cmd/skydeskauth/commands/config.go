package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/hllvc/skydesk-auth/internal/app"
)

// envPrefix is stripped from environment variables during config loading
// (e.g., SKYDESK_PROVIDER__CLIENT_ID → provider.client_id)
const envPrefix = "SKYDESK_"

// loadConfig merges configuration sources in increasing precedence: TOML
// config file, then SKYDESK_* environment variables, then CLI flags, with
// defaults filling whatever remains unset.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			stripped := strings.TrimPrefix(key, envPrefix)
			nested := strings.ToLower(strings.ReplaceAll(stripped, "__", "."))
			return nested, value
		},
		EnvironFunc: environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	if cmd != nil {
		flagValues := extractAndTransformFlags(cmd)
		if err := k.Load(confmap.Provider(flagValues, "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// extractAndTransformFlags maps flag names onto config keys:
// --provider--region → provider.region, --log-level → log_level.
// FlagNames covers parent commands too, so root flags reach subcommand actions.
func extractAndTransformFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	for _, name := range cmd.FlagNames() {
		// A flag left at its default must not shadow file or env values.
		if !cmd.IsSet(name) {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}
