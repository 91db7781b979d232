// Package config loads go-parley settings from a YAML file, a .env file and
// the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables.
const (
	EnvAPIKey = "OPENAI_API_KEY"
	EnvPrefix = "PARLEY_"
)

// APIKey returns the realtime API key from OPENAI_API_KEY.
func APIKey() string {
	return os.Getenv(EnvAPIKey)
}

// Env returns PARLEY_<name>, or def when unset.
func Env(name, def string) string {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		return v
	}
	return def
}

// EnvBool returns PARLEY_<name> parsed as a bool, or def when unset or
// unparsable.
func EnvBool(name string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(EnvPrefix + name))
	if err != nil {
		return def
	}
	return v
}

// EnvDuration returns PARLEY_<name> parsed as a duration, or def when unset
// or unparsable.
func EnvDuration(name string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(EnvPrefix + name))
	if err != nil {
		return def
	}
	return d
}

// LoadDotEnv loads variables from the given .env files without overriding
// ones already set. Missing files are skipped. With no arguments it reads
// ".env" in the working directory.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
