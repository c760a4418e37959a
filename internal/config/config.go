// Package config loads application configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/nanlnjz1979/QWeSDK/pkg/types"
)

// AppConfig is the full application configuration.
type AppConfig struct {
	Server   types.ServerConfig   `mapstructure:"server"`
	Data     types.DataConfig     `mapstructure:"data"`
	Backtest types.BacktestConfig `mapstructure:"backtest"`
	LogLevel string               `mapstructure:"log_level"`
}

// Load reads configuration from the given file (optional), config.yaml in the
// working directory, and QWESDK_-prefixed environment variables, in rising
// priority. A missing config file is not an error; defaults apply.
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("data.data_dir", "./data")
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QWESDK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Backtest.Normalize()
	return &cfg, nil
}

// decimalHook decodes numeric and string config values into decimal.Decimal.
func decimalHook() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_, t reflect.Type, data any) (any, error) {
		if t != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case string:
			return decimal.NewFromString(v)
		default:
			return data, nil
		}
	}
}
