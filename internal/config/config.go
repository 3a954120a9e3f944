// Package config provides the server's built-in defaults and loads the
// flat key=value configuration file over them, mirroring the original
// config_defaults/config_load layering. CLI flag overrides are parsed
// and applied by cmd/xmppd, not by this package.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"xmppd/internal/log"
)

// Config holds the server's runtime configuration.
type Config struct {
	Domain      string
	Port        int
	BindAddress string
	DataDir     string
	LogFile     string
	LogLevel    log.Level
}

// Defaults returns the built-in configuration defaults.
func Defaults() *Config {
	return &Config{
		Domain:      "localhost",
		Port:        5222,
		BindAddress: "0.0.0.0",
		DataDir:     "./data",
		LogFile:     "./xmppd.log",
		LogLevel:    log.InfoLevel,
	}
}

// Load reads key=value pairs from path into cfg, skipping blank lines
// and lines starting with '#'. Unknown keys are ignored. A missing
// file is not an error: the caller may pass a default path that need
// not exist.
func Load(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "config: open %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])

		switch key {
		case "domain":
			cfg.Domain = val
		case "port":
			if p, err := strconv.Atoi(val); err == nil {
				cfg.Port = p
			}
		case "bind_address":
			cfg.BindAddress = val
		case "datadir":
			cfg.DataDir = val
		case "logfile":
			cfg.LogFile = val
		case "loglevel":
			cfg.LogLevel = log.ParseLevel(val)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}
	return nil
}
