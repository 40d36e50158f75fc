// Package config provides configuration management for devloop using Viper
// for loading from files, environment variables and command-line flags.
//
// The configuration system supports YAML files (.devloop.yml), environment
// variable overrides with the DEVLOOP_ prefix and validation. The one
// variable every process reads is DEVLOOP_ENV, which selects development or
// production behaviour for the lifetime of the process.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvVar selects the environment mode. Unset means production.
	EnvVar = "DEVLOOP_ENV"
	// SupervisedEnvVar is set by the supervisor in the child environment.
	SupervisedEnvVar = "DEVLOOP_SUPERVISED"
	// EnvPrefix is the prefix of every configuration environment variable.
	EnvPrefix = "DEVLOOP"
)

// Mode is the environment mode of the process.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// ParseMode maps the DEVLOOP_ENV value to a Mode. Only "development" (or its
// short form "dev") selects development; everything else is production.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev":
		return ModeDevelopment
	default:
		return ModeProduction
	}
}

// IsDevelopment reports whether m is the development mode.
func (m Mode) IsDevelopment() bool {
	return m == ModeDevelopment
}

// String returns the mode name.
func (m Mode) String() string {
	if m == "" {
		return string(ModeProduction)
	}
	return string(m)
}

type Config struct {
	Env        string           `mapstructure:"env" yaml:"env"`
	Mode       Mode             `mapstructure:"-" yaml:"mode"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Build      BuildConfig      `mapstructure:"build" yaml:"build"`
	Proxy      ProxyConfig      `mapstructure:"proxy" yaml:"proxy"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Watch      WatchConfig      `mapstructure:"watch" yaml:"watch"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	StaticDir    string `mapstructure:"static_dir" yaml:"static_dir"`
	StaticPrefix string `mapstructure:"static_prefix" yaml:"static_prefix"`
	ViewsDir     string `mapstructure:"views_dir" yaml:"views_dir"`
	Template     string `mapstructure:"template" yaml:"template"`
	Version      string `mapstructure:"version" yaml:"version"`
}

type BuildConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
	Sources []string `mapstructure:"sources" yaml:"sources"`
	Output  string   `mapstructure:"output" yaml:"output"`
	Debug   bool     `mapstructure:"debug" yaml:"debug"`
}

type ProxyConfig struct {
	Host   string `mapstructure:"host" yaml:"host"`
	Port   int    `mapstructure:"port" yaml:"port"`
	UIPort int    `mapstructure:"ui_port" yaml:"ui_port"`
	Target string `mapstructure:"target" yaml:"target"`
}

type SupervisorConfig struct {
	Command      string            `mapstructure:"command" yaml:"command"`
	Args         []string          `mapstructure:"args" yaml:"args"`
	Env          map[string]string `mapstructure:"env" yaml:"env"`
	RestartDelay time.Duration     `mapstructure:"restart_delay" yaml:"restart_delay"`
	StopTimeout  time.Duration     `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	Watch        []string          `mapstructure:"watch" yaml:"watch"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Views    []string      `mapstructure:"views" yaml:"views"`
}

// SetDefaults registers every default on v. Registering the keys also lets
// AutomaticEnv see DEVLOOP_<SECTION>_<KEY> overrides during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("env", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 6400)
	v.SetDefault("server.static_dir", "static")
	v.SetDefault("server.static_prefix", "/static")
	v.SetDefault("server.views_dir", "views")
	v.SetDefault("server.template", "index.html")
	v.SetDefault("server.version", "test")

	v.SetDefault("build.command", "elm")
	v.SetDefault("build.args", []string{"make", "{sources}", "--output={output}"})
	v.SetDefault("build.sources", []string{"elm/**/*.elm"})
	v.SetDefault("build.output", "static/js/app.js")

	v.SetDefault("proxy.host", "localhost")
	v.SetDefault("proxy.port", 6401)
	v.SetDefault("proxy.ui_port", 6402)
	v.SetDefault("proxy.target", "")

	v.SetDefault("supervisor.command", "")
	v.SetDefault("supervisor.args", []string{"serve"})
	v.SetDefault("supervisor.restart_delay", 500*time.Millisecond)
	v.SetDefault("supervisor.stop_timeout", 5*time.Second)
	v.SetDefault("supervisor.watch", []string{})

	v.SetDefault("watch.debounce", 300*time.Millisecond)
	v.SetDefault("watch.views", []string{"views/**/*"})
}

// ConfigureEnv enables DEVLOOP_ environment overrides on v, mapping nested
// keys such as server.port to DEVLOOP_SERVER_PORT.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads, defaults and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	config.Mode = ParseMode(config.Env)

	// Handle slices set via viper (workaround for viper slice handling with env vars)
	if v.IsSet("build.sources") && len(config.Build.Sources) == 0 {
		config.Build.Sources = v.GetStringSlice("build.sources")
	}
	if v.IsSet("watch.views") && len(config.Watch.Views) == 0 {
		config.Watch.Views = v.GetStringSlice("watch.views")
	}

	// Debug builds follow the mode unless set explicitly
	if v.IsSet("build.debug") {
		config.Build.Debug = v.GetBool("build.debug")
	} else {
		config.Build.Debug = config.Mode.IsDevelopment()
	}

	// Viper lowercases map keys; environment variable names are upper case
	env := make(map[string]string, len(config.Supervisor.Env))
	for k, val := range config.Supervisor.Env {
		env[strings.ToUpper(k)] = val
	}
	config.Supervisor.Env = env

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Addr returns the application listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Addr returns the dev proxy listen address.
func (p ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// UIAddr returns the management interface listen address.
func (p ProxyConfig) UIAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.UIPort))
}

// ProxyTarget returns the upstream URL of the dev proxy.
func (c *Config) ProxyTarget() string {
	if c.Proxy.Target != "" {
		return c.Proxy.Target
	}
	return "http://" + c.Server.Addr()
}
