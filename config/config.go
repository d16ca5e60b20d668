package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from strings such as "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Redis struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

type Config struct {
	Listen              string   `yaml:"listen"`
	AnnounceInterval    Duration `yaml:"announce_interval"`
	MinAnnounceInterval Duration `yaml:"min_announce_interval"`
	ScrapeInterval      Duration `yaml:"scrape_interval"`
	PeerTimeout         Duration `yaml:"peer_timeout"`
	SweepInterval       Duration `yaml:"sweep_interval"`
	SweepChunk          int      `yaml:"sweep_chunk"`
	DefaultNumWant      int      `yaml:"default_numwant"`
	MaxNumWant          int      `yaml:"max_numwant"`
	AutoRegister        bool     `yaml:"auto_register"`
	FullScrape          bool     `yaml:"full_scrape"`
	Whitelist           string   `yaml:"whitelist"`
	WhitelistRefresh    Duration `yaml:"whitelist_refresh"`
	RateLimit           float64  `yaml:"rate_limit"`
	RateBurst           int      `yaml:"rate_burst"`
	TrustProxy          bool     `yaml:"trust_proxy"`
	Redis               Redis    `yaml:"redis"`
	StatsInterval       Duration `yaml:"stats_interval"`
	LogLevel            string   `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Listen:              ":8080",
		AnnounceInterval:    Duration(15 * time.Minute),
		MinAnnounceInterval: Duration(5 * time.Minute),
		ScrapeInterval:      Duration(15 * time.Minute),
		PeerTimeout:         Duration(30 * time.Minute),
		SweepInterval:       Duration(time.Minute),
		SweepChunk:          1024,
		DefaultNumWant:      50,
		MaxNumWant:          200,
		AutoRegister:        true,
		FullScrape:          true,
		WhitelistRefresh:    Duration(5 * time.Minute),
		RateBurst:           20,
		Redis:               Redis{TTL: Duration(10 * time.Minute)},
		StatsInterval:       Duration(time.Minute),
		LogLevel:            "info",
	}
}

// ReadConfigFromFile loads path over the defaults. Keys missing from the
// file keep their default value.
func ReadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	durations := []struct {
		name string
		d    Duration
	}{
		{"announce_interval", c.AnnounceInterval},
		{"min_announce_interval", c.MinAnnounceInterval},
		{"scrape_interval", c.ScrapeInterval},
		{"peer_timeout", c.PeerTimeout},
		{"sweep_interval", c.SweepInterval},
		{"stats_interval", c.StatsInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return errors.Errorf("%s must be positive", d.name)
		}
	}
	if c.PeerTimeout < c.AnnounceInterval {
		return errors.New("peer_timeout must not be shorter than announce_interval")
	}
	if c.SweepChunk <= 0 {
		return errors.New("sweep_chunk must be positive")
	}
	if c.DefaultNumWant <= 0 || c.MaxNumWant < c.DefaultNumWant {
		return errors.New("need 0 < default_numwant <= max_numwant")
	}
	if c.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	return nil
}
