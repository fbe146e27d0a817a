package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from path. If path is empty, uses
// DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("connection.driver", cfg.Connection.Driver)
	v.SetDefault("connection.address", cfg.Connection.Address)
	v.SetDefault("connection.baud", cfg.Connection.Baud)
	v.SetDefault("connection.read_timeout_ms", cfg.Connection.ReadTimeoutMs)
	v.SetDefault("firmware.dialect", cfg.Firmware.Dialect)
	v.SetDefault("firmware.buffer_size", cfg.Firmware.BufferSize)
	v.SetDefault("streaming.single_step", cfg.Streaming.SingleStep)
	v.SetDefault("streaming.event_queue", cfg.Streaming.EventQueue)
	v.SetDefault("xmodem.crc", cfg.XModem.CRC)
	v.SetDefault("xmodem.long_blocks", cfg.XModem.LongBlocks)
	v.SetDefault("xmodem.block_timeout_ms", cfg.XModem.BlockTimeoutMs)
	v.SetDefault("xmodem.request_timeout_ms", cfg.XModem.RequestTimeoutMs)
	v.SetDefault("xmodem.wait_receiver_timeout_ms", cfg.XModem.WaitReceiverTimeoutMs)
	v.SetDefault("xmodem.send_block_timeout_ms", cfg.XModem.SendBlockTimeoutMs)
	v.SetDefault("xmodem.max_errors", cfg.XModem.MaxErrors)
	v.SetDefault("log.level", cfg.Log.Level)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Connection.Address = expandEnv(cfg.Connection.Address)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

// Marshal renders cfg as YAML
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteDefault writes the default config to the target path
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
