package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nixpig/cwljob/internal/jobmanager/output"
)

const envPrefix = "CWLJOB"

type config struct {
	home           string
	engine         []string
	debug          bool
	sink           output.SinkOptions
	followInterval time.Duration

	// file is the config file that was read, if any.
	file string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", defaultHome())
	v.SetDefault("engine", "cwltool")
	v.SetDefault("debug", false)

	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("follow.interval", "250ms")
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cwljob"
	}

	return filepath.Join(home, ".cwljob")
}

// bindFlags binds the named flags of fs to the keys of the same name in v.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("no flag %q", name)
		}

		if err := v.BindPFlag(name, f); err != nil {
			return err
		}
	}

	return nil
}

// loadConfig resolves the config from, in increasing precedence: defaults,
// the config file, CWLJOB_* environment variables and flags already bound to
// v. Without an explicit config file, <home>/config.yaml is read if present.
func loadConfig(v *viper.Viper) (*config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := v.GetString("config")
	explicit := file != ""

	if !explicit {
		file = filepath.Join(v.GetString("home"), "config.yaml")
	}

	v.SetConfigFile(file)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}

		file = ""
	}

	cfg := &config{
		home:   v.GetString("home"),
		engine: v.GetStringSlice("engine"),
		debug:  v.GetBool("debug"),
		sink: output.SinkOptions{
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
		},
		followInterval: v.GetDuration("follow.interval"),
		file:           file,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *config) validate() error {
	if strings.TrimSpace(c.home) == "" {
		return errors.New("home cannot be empty")
	}

	if len(c.engine) == 0 {
		return errors.New("engine cannot be empty")
	}

	if c.sink.MaxSizeMB < 1 {
		return errors.New("log.max_size_mb must be at least 1")
	}

	if c.sink.MaxBackups < 0 {
		return errors.New("log.max_backups cannot be negative")
	}

	if c.sink.MaxAgeDays < 0 {
		return errors.New("log.max_age_days cannot be negative")
	}

	if c.followInterval <= 0 {
		return errors.New("follow.interval must be positive")
	}

	return nil
}

// daemonEnv carries settings that only exist as flags over to the
// supervising process, which is configured from the environment.
func (c *config) daemonEnv() []string {
	env := []string{fmt.Sprintf("%s_DEBUG=%t", envPrefix, c.debug)}

	if c.file != "" {
		env = append(env, fmt.Sprintf("%s_CONFIG=%s", envPrefix, c.file))
	}

	return env
}
