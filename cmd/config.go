package cmd

import "github.com/caronte/caronte/internal/config"

// loadConfig reads --config if given, otherwise falls back to
// config.Defaults(), then validates the result.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return config.Config{}, err
		}
	} else {
		cfg = config.Defaults()
	}
	if cfg.FlagRegex == "" {
		cfg.FlagRegex = "[A-Z0-9]{31}="
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
