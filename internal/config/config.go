package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/rolling"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no objlog config file found")

const (
	DefaultLookupDays    = 28
	DefaultQueueCapacity = 100000
	DefaultDirName       = "ObjectLogger"
	DefaultAddr          = ":8484"
)

// Config is the parsed objlog configuration.
type Config struct {
	// Path is the base directory for log files. Default: $HOME/ObjectLogger.
	Path string `yaml:"path" toml:"path" json:"path"`

	// LookupDays bounds reads that have no explicit start. Unset means 28;
	// an explicit value must be > 0.
	LookupDays *int `yaml:"lookup_days" toml:"lookup_days" json:"lookup_days"`

	// Enabled turns logging off entirely when false. Default: true.
	Enabled *bool `yaml:"enabled" toml:"enabled" json:"enabled"`

	Synchronous   bool `yaml:"synchronous" toml:"synchronous" json:"synchronous"`
	Clean         bool `yaml:"clean" toml:"clean" json:"clean"`
	QueueCapacity int  `yaml:"queue_capacity" toml:"queue_capacity" json:"queue_capacity"`

	// Rolling is a policy string: "daily", "never", "minute" or a period in
	// minutes such as "30m". Default: 30m.
	Rolling string `yaml:"rolling" toml:"rolling" json:"rolling"`

	// Codec is "binary" or "json". Default: binary.
	Codec string `yaml:"codec" toml:"codec" json:"codec"`

	// Location names the time zone used for file names. Default: Local.
	Location string `yaml:"location" toml:"location" json:"location"`

	Scheduler Scheduler `yaml:"scheduler" toml:"scheduler" json:"scheduler"`

	// Catalog is the sqlite database recording segments. Empty disables it.
	Catalog string `yaml:"catalog" toml:"catalog" json:"catalog"`

	// Logs lists the log names served over HTTP.
	Logs []string `yaml:"logs" toml:"logs" json:"logs"`

	Server  Server  `yaml:"server" toml:"server" json:"server"`
	Archive Archive `yaml:"archive" toml:"archive" json:"archive"`
}

// Scheduler paces the background drain loop.
type Scheduler struct {
	Interval     Duration `yaml:"interval" toml:"interval" json:"interval"`
	IdleInterval Duration `yaml:"idle_interval" toml:"idle_interval" json:"idle_interval"`
}

// Server configures the HTTP API.
type Server struct {
	Addr      string `yaml:"addr" toml:"addr" json:"addr"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" json:"jwt_secret"`
	// TokenHashes are hex sha3-256 digests of static bearer tokens.
	TokenHashes []string `yaml:"token_hashes" toml:"token_hashes" json:"token_hashes"`
}

// Archive configures the S3-compatible bucket closed files are pushed to.
type Archive struct {
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	AccountID       string `yaml:"account_id" toml:"account_id" json:"account_id"`
	Region          string `yaml:"region" toml:"region" json:"region"`
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" toml:"prefix" json:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
	// EncryptionKey, when set, encrypts archived objects client-side.
	EncryptionKey string `yaml:"encryption_key" toml:"encryption_key" json:"encryption_key"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalText writes the duration in time.ParseDuration form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.set(string(text))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

type parser func([]byte, *Config) error

var candidates = []struct {
	name   string
	parser parser
}{
	{".objlog.yaml", parseYAML},
	{".objlog.yml", parseYAML},
	{".objlog.toml", parseTOML},
	{".objlog.json", parseJSON},
	{"objlog.yaml", parseYAML},
	{"objlog.yml", parseYAML},
	{"objlog.toml", parseTOML},
	{"objlog.json", parseJSON},
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load finds and parses an objlog config file from the given directory, then
// applies environment overrides and defaults.
func Load(dir string) (*Config, string, error) {
	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}

		cfg, err := parse(c.name, data, c.parser)
		return cfg, c.name, err
	}

	return nil, "", ErrNoConfig
}

// LoadFile parses the file at path, choosing the format by extension.
func LoadFile(path string) (*Config, error) {
	var p parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		p = parseYAML
	case ".toml":
		p = parseTOML
	case ".json":
		p = parseJSON
	default:
		return nil, errs.Errorf(errs.Configuration, "load config", "unsupported config format %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(errs.Configuration, "load config", err)
	}
	return parse(path, data, p)
}

// LoadOrDefault behaves like Load but falls back to Default, with the
// environment applied, when dir has no config file.
func LoadOrDefault(dir string) (*Config, string, error) {
	cfg, name, err := Load(dir)
	if !errors.Is(err, ErrNoConfig) {
		return cfg, name, err
	}

	cfg = &Config{}
	if err := cfg.finish("environment"); err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

func parse(name string, data []byte, p parser) (*Config, error) {
	var cfg Config
	if err := p(data, &cfg); err != nil {
		return nil, errs.E(errs.Configuration, "parse "+name, err)
	}
	if err := cfg.finish(name); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish(name string) error {
	if err := c.ApplyEnv(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return errs.E(errs.Configuration, "validate "+name, err)
	}
	c.applyDefaults()
	return nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// ApplyEnv overrides fields from OBJLOG_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("OBJLOG_PATH"); v != "" {
		c.Path = v
	}
	if v := os.Getenv("OBJLOG_LOOKUP_DAYS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return errs.Errorf(errs.Configuration, "apply env", "OBJLOG_LOOKUP_DAYS must be an integer > 0, got %q", v)
		}
		c.LookupDays = &n
	}
	if v := os.Getenv("OBJLOG_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}

	archive := map[string]*string{
		"OBJLOG_ARCHIVE_ENDPOINT":          &c.Archive.Endpoint,
		"OBJLOG_ARCHIVE_ACCOUNT_ID":        &c.Archive.AccountID,
		"OBJLOG_ARCHIVE_REGION":            &c.Archive.Region,
		"OBJLOG_ARCHIVE_BUCKET":            &c.Archive.Bucket,
		"OBJLOG_ARCHIVE_PREFIX":            &c.Archive.Prefix,
		"OBJLOG_ARCHIVE_ACCESS_KEY_ID":     &c.Archive.AccessKeyID,
		"OBJLOG_ARCHIVE_SECRET_ACCESS_KEY": &c.Archive.SecretAccessKey,
		"OBJLOG_ARCHIVE_ENCRYPTION_KEY":    &c.Archive.EncryptionKey,
	}
	for env, field := range archive {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
	return nil
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.LookupDays != nil && *c.LookupDays <= 0 {
		return fmt.Errorf("lookup_days must be > 0, got %d", *c.LookupDays)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity must be >= 0, got %d", c.QueueCapacity)
	}
	if _, err := rolling.Parse(c.Rolling); err != nil {
		return err
	}
	switch strings.ToLower(c.Codec) {
	case "", "binary", "data", "json", "array":
	default:
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	if c.Location != "" {
		if _, err := time.LoadLocation(c.Location); err != nil {
			return fmt.Errorf("invalid location %q: %w", c.Location, err)
		}
	}
	for _, name := range c.Logs {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("invalid log name %q", name)
		}
	}
	if c.Archive.Bucket != "" && c.Archive.Endpoint == "" && c.Archive.AccountID == "" && c.Archive.Region == "" {
		return errors.New("archive needs an endpoint, account_id or region")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath()
	}
	if c.LookupDays == nil {
		days := DefaultLookupDays
		c.LookupDays = &days
	}
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Codec == "" {
		c.Codec = "binary"
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = Duration(100 * time.Millisecond)
	}
	if c.Scheduler.IdleInterval == 0 {
		c.Scheduler.IdleInterval = Duration(time.Second)
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
}

// DefaultPath returns $HOME/ObjectLogger.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// IsEnabled reports whether logging is on.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Lookup returns the lookup window in days.
func (c *Config) Lookup() int {
	if c.LookupDays == nil {
		return DefaultLookupDays
	}
	return *c.LookupDays
}

// Policy builds the rolling policy.
func (c *Config) Policy() (rolling.Policy, error) {
	return rolling.Parse(c.Rolling)
}

// TimeLocation resolves Location, defaulting to the local zone.
func (c *Config) TimeLocation() (*time.Location, error) {
	if c.Location == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Location)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Server.JWTSecret = mask(c.Server.JWTSecret)
	out.Archive.SecretAccessKey = mask(c.Archive.SecretAccessKey)
	out.Archive.EncryptionKey = mask(c.Archive.EncryptionKey)
	return &out
}
