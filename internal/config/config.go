// Package config reads the root configuration file of Lux.
//
// The file is JSON by default; .yaml/.yml and .toml files are read in their
// own format. Every typed option can be overridden from the environment with
// the LUX_ prefix, e.g. LUX_HEARTBEAT=2s or LUX_LOG_LEVEL=debug. Problems that
// do not prevent loading are collected as Warnings.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/KockaAdmiralac/Lux/internal/auth"
	"github.com/KockaAdmiralac/Lux/internal/cron"
	"github.com/KockaAdmiralac/Lux/internal/env"
	"github.com/KockaAdmiralac/Lux/internal/logger"
	"github.com/KockaAdmiralac/Lux/internal/tls"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// ErrInvalidFormat is returned when the root of the file is not an object.
var ErrInvalidFormat = errors.New("configuration has invalid format, the root must be an object")

const (
	DefaultFile       = "config.json"
	DefaultTitle      = "lux"
	DefaultModulesDir = "modules"
	DefaultHeartbeat  = time.Second
	EnvPrefix         = "LUX"
)

var serviceName = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

// options are the known top-level keys, lower-cased.
var options = map[string]bool{
	"title": true, "debug": true, "heartbeat": true, "stoptimeout": true,
	"modulesdir": true, "log": true, "history": true, "metrics": true,
	"server": true, "env": true, "envfiles": true, "services": true,
	"schedules": true,
}

// Warning is a configuration problem that did not stop loading.
type Warning struct {
	Option  string
	Message string
}

func (w Warning) Error() string {
	if w.Option == "" {
		return w.Message
	}
	return w.Option + ": " + w.Message
}

type History struct {
	// DSN selects the sink, e.g. sqlite:///var/lib/lux/history.db. Empty
	// disables history.
	DSN    string `mapstructure:"dsn"`
	Buffer int    `mapstructure:"buffer"`
}

type Metrics struct {
	Listen          string        `mapstructure:"listen"`
	ProcessInterval time.Duration `mapstructure:"processInterval"`
}

type Server struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"basePath"`
	TLS      tls.Config  `mapstructure:"tls"`
	Auth     auth.Config `mapstructure:"auth"`
}

// Service is one entry of the services object.
type Service struct {
	// Key is the entry's key in the services object.
	Key string
	// Name is the service name and the module directory it is loaded from.
	// It defaults to Key.
	Name string
	// Path overrides the module directory.
	Path string
	// AutoStart is nil when the entry does not set it.
	AutoStart *bool
	// Config is the whole entry, handed to the service as its runtime config.
	Config map[string]any
}

// AllowsAutoStart reports whether the entry leaves auto-start to the
// definition.
func (s Service) AllowsAutoStart() bool { return s.AutoStart == nil || *s.AutoStart }

type Config struct {
	Title       string        `mapstructure:"title"`
	Debug       bool          `mapstructure:"debug"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	StopTimeout time.Duration `mapstructure:"stopTimeout"`
	ModulesDir  string        `mapstructure:"modulesDir"`
	Log         logger.Config `mapstructure:"log"`
	History     History       `mapstructure:"history"`
	Metrics     Metrics       `mapstructure:"metrics"`
	Server      Server        `mapstructure:"server"`
	EnvFiles    []string      `mapstructure:"envFiles"`
	Schedules   []cron.Job    `mapstructure:"schedules"`

	// Env and Services keep the case of their keys, so they are decoded
	// apart from the options above.
	Env      map[string]string `mapstructure:"-"`
	Services []Service         `mapstructure:"-"`
	Warnings []Warning         `mapstructure:"-"`
	// File is the path the configuration was read from.
	File string `mapstructure:"-"`
}

// Load reads the configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.File = path
	return cfg, nil
}

// FormatOf returns the format of path judging by its extension.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	}
	return "json"
}

// Parse decodes b, written in format (json, yaml or toml).
func Parse(b []byte, format string) (*Config, error) {
	raw, err := decodeRaw(b, format)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.check(raw)
	if cfg.Debug {
		cfg.Log.Level = logger.LevelDebug
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("title", DefaultTitle)
	v.SetDefault("debug", false)
	v.SetDefault("heartbeat", DefaultHeartbeat)
	v.SetDefault("stopTimeout", time.Duration(0))
	v.SetDefault("modulesDir", DefaultModulesDir)
	v.SetDefault("envFiles", []string{})
	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.maxSizeMB", 0)
	v.SetDefault("log.file.maxBackups", 0)
	v.SetDefault("log.file.maxAgeDays", 0)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.buffer", 256)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.processInterval", 5*time.Second)
	v.SetDefault("server.listen", "")
	v.SetDefault("server.basePath", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.certFile", "")
	v.SetDefault("server.tls.keyFile", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.autoGenerate", false)
	v.SetDefault("server.tls.minVersion", "")
	v.SetDefault("server.tls.commonName", "")
	v.SetDefault("server.tls.dnsNames", []string{})
	v.SetDefault("server.tls.validDays", 0)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.secret", "")
	v.SetDefault("server.auth.tokenTTL", auth.DefaultTokenTTL)
}

func decodeRaw(b []byte, format string) (map[string]any, error) {
	var root any
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(b, &root)
	case "toml":
		var m map[string]any
		err = toml.Unmarshal(b, &m)
		root = m
	default:
		err = json.Unmarshal(b, &root)
	}
	if err != nil {
		return nil, err
	}
	m, ok := root.(map[string]any)
	if !ok {
		return nil, ErrInvalidFormat
	}
	return m, nil
}

// check validates what the typed decoding cannot see and fills Env and
// Services from the raw document.
func (c *Config) check(raw map[string]any) {
	var unknown []string
	for k := range raw {
		if !options[strings.ToLower(k)] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		c.warn(strings.Join(unknown, ", "), "unneeded options")
	}

	if t, ok := lookup(raw, "title"); ok {
		if _, isString := t.(string); !isString {
			c.warn("title", "has to be a string")
			c.Title = DefaultTitle
		}
	}

	if e, ok := lookup(raw, "env"); ok {
		m, isMap := e.(map[string]any)
		if !isMap {
			c.warn("env", "has to be an object")
		}
		c.Env = make(map[string]string, len(m))
		for k, val := range m {
			c.Env[k] = fmt.Sprint(val)
		}
	}

	s, ok := lookup(raw, "services")
	if !ok {
		return
	}
	entries, isMap := s.(map[string]any)
	if !isMap {
		c.warn("services", "has to be an object")
		return
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if svc, ok := c.service(k, entries[k]); ok {
			c.Services = append(c.Services, svc)
		}
	}
}

func (c *Config) service(key string, val any) (Service, bool) {
	entry, ok := val.(map[string]any)
	if !ok {
		c.warn("services."+key, "entry has to be an object")
		entry = map[string]any{}
	}
	svc := Service{Key: key, Name: key, Config: entry}
	if n, ok := entry["name"].(string); ok && n != "" {
		svc.Name = n
	}
	if !serviceName.MatchString(svc.Name) {
		c.warn("services."+key, fmt.Sprintf("invalid service name %q", svc.Name))
		return Service{}, false
	}
	if p, ok := entry["path"].(string); ok {
		svc.Path = p
	}
	if a, ok := entry["autoStart"]; ok {
		if b, isBool := a.(bool); isBool {
			svc.AutoStart = &b
		} else {
			c.warn("services."+key+".autoStart", "has to be a boolean")
		}
	}
	return svc, true
}

func (c *Config) warn(option, msg string) {
	c.Warnings = append(c.Warnings, Warning{Option: option, Message: msg})
}

// lookup finds key in m ignoring case, like the typed options do.
func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// Resolve makes p relative to the directory of the configuration file.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.File == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.File), p)
}

// ModulesPath is the directory service modules are loaded from.
func (c *Config) ModulesPath() string {
	dir := c.ModulesDir
	if dir == "" {
		dir = DefaultModulesDir
	}
	return c.Resolve(dir)
}

// Environ returns the supervisor-wide variables: env files in order, then the
// env object, later entries overriding earlier ones.
func (c *Config) Environ() (env.Var, error) {
	out := make(env.Var)
	for _, p := range c.EnvFiles {
		m, err := LoadEnvFile(c.Resolve(p))
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			out[k] = v
		}
	}
	for k, v := range c.Env {
		out[k] = v
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func LoadEnvFile(path string) (env.Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := make(env.Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			if k = strings.TrimSpace(k); k != "" {
				m[k] = strings.TrimSpace(v)
			}
		}
	}
	return m, nil
}

// Service returns the entry of the service called name.
func (c *Config) Service(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}

// Changed returns the services of next whose runtime config differs from prev.
// Services that are new in next are not included.
func Changed(prev, next *Config) []Service {
	var out []Service
	for _, s := range next.Services {
		old, ok := prev.Service(s.Name)
		if ok && !reflect.DeepEqual(old.Config, s.Config) {
			out = append(out, s)
		}
	}
	return out
}
