package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Security kinds supported by the fetcher.
const (
	SecTypeOption = "OPT"
	SecTypeStock  = "STK"
	SecTypeForex  = "FX"
)

// Output formats supported by the sink.
const (
	FormatText    = "txt"
	FormatBinary  = "bin"
	FormatParquet = "parquet"
)

type Config struct {
	Quoteflow QuoteflowConfig `yaml:"quoteflow"`
	Session   SessionConfig   `yaml:"session"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Pacing    PacingConfig    `yaml:"pacing"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Output    OutputConfig    `yaml:"output"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type QuoteflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// SessionConfig describes the trading session the time buckets are computed
// against. Start and End use the compact HHMM form ("0930", "1600").
type SessionConfig struct {
	Start         string `yaml:"start"`
	End           string `yaml:"end"`
	BucketMinutes int    `yaml:"bucket_minutes"`
	GraceMinutes  int    `yaml:"grace_minutes"`
}

type FetchConfig struct {
	SecType     string        `yaml:"sec_type"`
	Assets      []string      `yaml:"assets"`
	StartDate   string        `yaml:"start_date"`
	DaysToGet   int           `yaml:"days_to_get"`
	Dates       []string      `yaml:"dates"`
	PctFromATM  float64       `yaml:"pct_from_atm"`
	ShiftHours  int           `yaml:"shift_hours"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// PacingConfig mirrors the provider's published request limits. The defaults
// sit under the quoted maximums (60 per 10 minutes, 50 open) to leave
// headroom for clock skew.
type PacingConfig struct {
	WindowRequests int           `yaml:"window_requests"`
	WindowMinutes  int           `yaml:"window_minutes"`
	MaxOpen        int           `yaml:"max_open"`
	MinSpacing     time.Duration `yaml:"min_spacing"`
}

type GatewayConfig struct {
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadBuffer  int           `yaml:"read_buffer"`
}

type OutputConfig struct {
	Format    string `yaml:"format"`
	Dir       string `yaml:"dir"`
	Overwrite bool   `yaml:"overwrite"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Session: SessionConfig{
			Start:         "0930",
			End:           "1600",
			BucketMinutes: 60,
			GraceMinutes:  5,
		},
		Fetch: FetchConfig{
			DaysToGet:  1,
			PctFromATM: 7,
		},
		Pacing: PacingConfig{
			WindowRequests: 58,
			WindowMinutes:  10,
			MaxOpen:        49,
			MinSpacing:     100 * time.Millisecond,
		},
		Gateway: GatewayConfig{
			DialTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.Fetch.SecType = strings.ToUpper(strings.TrimSpace(config.Fetch.SecType))
	for i, asset := range config.Fetch.Assets {
		config.Fetch.Assets[i] = strings.ToUpper(strings.TrimSpace(asset))
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		config.Gateway.URL = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Quoteflow.Name == "" {
		return fmt.Errorf("quoteflow.name is required")
	}
	if cfg.Quoteflow.Version == "" {
		return fmt.Errorf("quoteflow.version is required")
	}

	switch cfg.Fetch.SecType {
	case SecTypeOption, SecTypeStock, SecTypeForex:
	case "":
		return fmt.Errorf("fetch.sec_type is required")
	default:
		return fmt.Errorf("fetch.sec_type '%s' is not one of OPT, STK, FX", cfg.Fetch.SecType)
	}

	if len(cfg.Fetch.Assets) == 0 {
		return fmt.Errorf("fetch.assets is required")
	}
	if cfg.Fetch.PctFromATM <= 0 {
		return fmt.Errorf("fetch.pct_from_atm must be greater than 0")
	}

	if _, err := cfg.Session.StartClock(); err != nil {
		return fmt.Errorf("session.start: %w", err)
	}
	if _, err := cfg.Session.EndClock(); err != nil {
		return fmt.Errorf("session.end: %w", err)
	}
	if cfg.Session.BucketMinutes <= 0 {
		return fmt.Errorf("session.bucket_minutes must be greater than 0")
	}

	if cfg.Pacing.WindowRequests <= 2 {
		return fmt.Errorf("pacing.window_requests must be greater than 2")
	}
	if cfg.Pacing.WindowMinutes <= 0 {
		return fmt.Errorf("pacing.window_minutes must be greater than 0")
	}
	if cfg.Pacing.MaxOpen <= 0 {
		return fmt.Errorf("pacing.max_open must be greater than 0")
	}

	if cfg.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}

	switch cfg.Output.Format {
	case FormatText, FormatBinary, FormatParquet:
	default:
		return fmt.Errorf("output.format must be txt, bin or parquet")
	}
	if cfg.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}

	dates, err := cfg.Fetch.TradingDates()
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		return fmt.Errorf("no valid trading date in range (weekends are excluded)")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}
	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when Kafka is enabled")
		}
	}

	return nil
}

// ATMBand converts the configured percentage into the fraction used when
// pruning strikes around the reference price.
func (f FetchConfig) ATMBand() float64 {
	return f.PctFromATM / 100
}

// WaitDeadline applies the configured stall guard. A zero timeout means wait
// forever.
func (f FetchConfig) WaitDeadline() time.Duration {
	return f.WaitTimeout
}

// TradingDates resolves the configured date selection into concrete dates,
// newest first, with Saturdays and Sundays removed. An explicit fetch.dates
// list wins over start_date/days_to_get.
func (f FetchConfig) TradingDates() ([]time.Time, error) {
	var list []time.Time

	if len(f.Dates) > 0 {
		for _, raw := range f.Dates {
			d, err := time.Parse("20060102", strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("fetch.dates entry '%s': %w", raw, err)
			}
			list = append(list, d)
		}
	} else {
		start := f.StartDate
		if start == "" {
			start = time.Now().AddDate(0, 0, -1).Format("20060102")
		}
		first, err := time.Parse("20060102", strings.TrimSpace(start))
		if err != nil {
			return nil, fmt.Errorf("fetch.start_date '%s': %w", f.StartDate, err)
		}
		days := f.DaysToGet
		if days < 1 {
			days = 1
		}
		for i := 0; i < days; i++ {
			list = append(list, first.AddDate(0, 0, -i))
		}
	}

	dates := make([]time.Time, 0, len(list))
	for _, d := range list {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		dates = append(dates, d)
	}
	return dates, nil
}

// StartClock parses the session start as an HHMM clock value.
func (s SessionConfig) StartClock() (time.Time, error) {
	return parseClock(s.Start)
}

// EndClock parses the session end as an HHMM clock value.
func (s SessionConfig) EndClock() (time.Time, error) {
	return parseClock(s.End)
}

func parseClock(v string) (time.Time, error) {
	t, err := time.Parse("1504", strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid clock value '%s' (expected HHMM): %w", v, err)
	}
	return t, nil
}
