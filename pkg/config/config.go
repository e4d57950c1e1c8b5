// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config loads the process-wide relay settings. Values are read once
// at startup from an optional YAML file and the environment, validated, and
// handed to the listener and relay as an immutable Config value.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	keyListenPort        = "listen_port"
	keyCertPath          = "cert_path"
	keyKeyPath           = "key_path"
	keyUpstreamURL       = "upstream_url"
	keyUpstreamTimeout   = "upstream_timeout"
	keyUpstreamInsecure  = "upstream_insecure"
	keyLogLevel          = "log_level"
	keyLogFormat         = "log_format"
	keyMetricsAddr       = "metrics_addr"
	keyReadHeaderTimeout = "read_header_timeout"
	keyIdleTimeout       = "idle_timeout"
	keyShutdownTimeout   = "shutdown_timeout"
	keyCompress          = "compress"

	envListenPort        = "LISTEN_PORT"
	envCertPath          = "CERT_PATH"
	envKeyPath           = "KEY_PATH"
	envUpstreamURL       = "UPSTREAM_URL"
	envUpstreamTimeout   = "UPSTREAM_TIMEOUT"
	envUpstreamInsecure  = "UPSTREAM_INSECURE"
	envLogLevel          = "LOG_LEVEL"
	envLogFormat         = "LOG_FORMAT"
	envMetricsAddr       = "METRICS_ADDR"
	envReadHeaderTimeout = "SERVER_READ_HEADER_TIMEOUT"
	envIdleTimeout       = "SERVER_IDLE_TIMEOUT"
	envShutdownTimeout   = "GRACEFUL_SHUTDOWN"
	envCompress          = "RESPONSE_COMPRESSION"

	// DefaultUpstreamURL is the dispatch API origin inbound paths are appended to.
	DefaultUpstreamURL = "https://api.github.com"

	defaultUpstreamTimeout   = "0s"
	defaultLogLevel          = "info"
	defaultLogFormat         = LogFormatConsole
	defaultReadHeaderTimeout = "10s"
	defaultIdleTimeout       = "120s"
	defaultShutdownTimeout   = "10s"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

var envBindings = map[string]string{
	keyListenPort:        envListenPort,
	keyCertPath:          envCertPath,
	keyKeyPath:           envKeyPath,
	keyUpstreamURL:       envUpstreamURL,
	keyUpstreamTimeout:   envUpstreamTimeout,
	keyUpstreamInsecure:  envUpstreamInsecure,
	keyLogLevel:          envLogLevel,
	keyLogFormat:         envLogFormat,
	keyMetricsAddr:       envMetricsAddr,
	keyReadHeaderTimeout: envReadHeaderTimeout,
	keyIdleTimeout:       envIdleTimeout,
	keyShutdownTimeout:   envShutdownTimeout,
	keyCompress:          envCompress,
}

// Config captures runtime settings for the relay.
type Config struct {
	// ListenPort is shared by the IPv4 and IPv6 loopback listeners.
	ListenPort uint16
	// CertPath and KeyPath enable TLS on both listeners when set together.
	CertPath string
	KeyPath  string
	// Upstream is the origin every inbound path is appended to.
	Upstream *url.URL
	// UpstreamTimeout bounds the outbound client; zero means no limit.
	UpstreamTimeout    time.Duration
	InsecureSkipVerify bool
	LogLevel           string
	LogFormat          string
	// MetricsAddr exposes Prometheus metrics on a separate listener when set.
	MetricsAddr             string
	ReadHeaderTimeout       time.Duration
	IdleTimeout             time.Duration
	GracefulShutdownTimeout time.Duration
	Compress                bool
}

// TLSEnabled reports whether both listeners serve TLS.
func (c Config) TLSEnabled() bool {
	return c.CertPath != "" && c.KeyPath != ""
}

// Load reads configuration from an optional file plus environment variables
// and validates required values. Environment variables win over the file.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault(keyUpstreamURL, DefaultUpstreamURL)
	v.SetDefault(keyUpstreamTimeout, defaultUpstreamTimeout)
	v.SetDefault(keyUpstreamInsecure, false)
	v.SetDefault(keyLogLevel, defaultLogLevel)
	v.SetDefault(keyLogFormat, defaultLogFormat)
	v.SetDefault(keyReadHeaderTimeout, defaultReadHeaderTimeout)
	v.SetDefault(keyIdleTimeout, defaultIdleTimeout)
	v.SetDefault(keyShutdownTimeout, defaultShutdownTimeout)
	v.SetDefault(keyCompress, true)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	port, err := parsePort(v.GetString(keyListenPort))
	if err != nil {
		return Config{}, err
	}

	certPath := strings.TrimSpace(v.GetString(keyCertPath))
	keyPath := strings.TrimSpace(v.GetString(keyKeyPath))
	switch {
	case certPath != "" && keyPath == "":
		return Config{}, errors.New("if CERT_PATH is set, KEY_PATH must also be")
	case certPath == "" && keyPath != "":
		return Config{}, errors.New("if KEY_PATH is set, CERT_PATH must also be")
	}

	upstream, err := parseUpstream(v.GetString(keyUpstreamURL))
	if err != nil {
		return Config{}, err
	}

	level := strings.ToLower(strings.TrimSpace(v.GetString(keyLogLevel)))
	if _, err := zerolog.ParseLevel(level); err != nil {
		return Config{}, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}

	format := strings.ToLower(strings.TrimSpace(v.GetString(keyLogFormat)))
	if format != LogFormatConsole && format != LogFormatJSON {
		return Config{}, fmt.Errorf("invalid LOG_FORMAT %q: must be %s or %s", format, LogFormatConsole, LogFormatJSON)
	}

	cfg := Config{
		ListenPort:         port,
		CertPath:           certPath,
		KeyPath:            keyPath,
		Upstream:           upstream,
		InsecureSkipVerify: v.GetBool(keyUpstreamInsecure),
		LogLevel:           level,
		LogFormat:          format,
		MetricsAddr:        strings.TrimSpace(v.GetString(keyMetricsAddr)),
		Compress:           v.GetBool(keyCompress),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{keyUpstreamTimeout, &cfg.UpstreamTimeout},
		{keyReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{keyIdleTimeout, &cfg.IdleTimeout},
		{keyShutdownTimeout, &cfg.GracefulShutdownTimeout},
	}
	for _, d := range durations {
		parsed, err := parseDuration(d.key, v.GetString(d.key))
		if err != nil {
			return Config{}, err
		}
		*d.dst = parsed
	}

	return cfg, nil
}

func parsePort(raw string) (uint16, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("LISTEN_PORT is required")
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("LISTEN_PORT is not an unsigned 16-bit integer: %w", err)
	}
	return uint16(port), nil
}

func parseUpstream(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	upstream, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}
	if !upstream.IsAbs() || upstream.Host == "" {
		return nil, errors.New("UPSTREAM_URL must be absolute (scheme://host)")
	}
	return upstream, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envBindings[key], err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", envBindings[key])
	}
	return parsed, nil
}
