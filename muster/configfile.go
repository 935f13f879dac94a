package muster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// fileConfig is the subset of Config that can be provided from a file.
// Duration fields are strings in Go duration syntax ("15s", "24h").
type fileConfig struct {
	NodeName            string            `mapstructure:"node_name" yaml:"node_name"`
	Tags                map[string]string `mapstructure:"tags" yaml:"tags"`
	ReapInterval        string            `mapstructure:"reap_interval" yaml:"reap_interval"`
	ReconnectInterval   string            `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
	ReconnectTimeout    string            `mapstructure:"reconnect_timeout" yaml:"reconnect_timeout"`
	TombstoneTimeout    string            `mapstructure:"tombstone_timeout" yaml:"tombstone_timeout"`
	BroadcastTimeout    string            `mapstructure:"broadcast_timeout" yaml:"broadcast_timeout"`
	LeavePropagateDelay string            `mapstructure:"leave_propagate_delay" yaml:"leave_propagate_delay"`
	UserEventSizeLimit  int               `mapstructure:"user_event_size_limit" yaml:"user_event_size_limit"`
	SnapshotPath        string            `mapstructure:"snapshot_path" yaml:"snapshot_path"`
	RejoinAfterLeave    bool              `mapstructure:"rejoin_after_leave" yaml:"rejoin_after_leave"`
	KeyringFile         string            `mapstructure:"keyring_file" yaml:"keyring_file"`
	LogLevel            string            `mapstructure:"log_level" yaml:"log_level"`
}

// LoadConfigFile reads configuration from a JSON or YAML file, layered on
// top of DefaultConfig. The format is chosen by the file extension:
// ".json" decodes through mapstructure, ".yaml"/".yml" through the yaml
// package.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var fc fileConfig
	switch ext := filepath.Ext(path); ext {
	case ".json":
		var parsed map[string]interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}

		var md mapstructure.Metadata
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Metadata: &md,
			Result:   &fc,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(parsed); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %v", err)
		}
		if len(md.Unused) > 0 {
			return nil, fmt.Errorf("unknown configuration keys: %v", md.Unused)
		}

	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}

	default:
		return nil, fmt.Errorf("unsupported config file extension: %q", ext)
	}

	conf := DefaultConfig()
	if err := fc.apply(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// apply layers the file values onto the given config.
func (fc *fileConfig) apply(conf *Config) error {
	if fc.NodeName != "" {
		conf.NodeName = fc.NodeName
	}
	if fc.Tags != nil {
		conf.Tags = fc.Tags
	}
	if fc.UserEventSizeLimit != 0 {
		conf.UserEventSizeLimit = fc.UserEventSizeLimit
	}
	if fc.SnapshotPath != "" {
		conf.SnapshotPath = fc.SnapshotPath
	}
	if fc.KeyringFile != "" {
		conf.KeyringFile = fc.KeyringFile
	}
	if fc.LogLevel != "" {
		conf.LogLevel = fc.LogLevel
	}
	conf.RejoinAfterLeave = conf.RejoinAfterLeave || fc.RejoinAfterLeave

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.ReapInterval, "reap_interval", &conf.ReapInterval},
		{fc.ReconnectInterval, "reconnect_interval", &conf.ReconnectInterval},
		{fc.ReconnectTimeout, "reconnect_timeout", &conf.ReconnectTimeout},
		{fc.TombstoneTimeout, "tombstone_timeout", &conf.TombstoneTimeout},
		{fc.BroadcastTimeout, "broadcast_timeout", &conf.BroadcastTimeout},
		{fc.LeavePropagateDelay, "leave_propagate_delay", &conf.LeavePropagateDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %v", d.name, err)
		}
		*d.dst = dur
	}
	return nil
}
