package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Portal      PortalConfig      `mapstructure:"portal"`
	Captcha     CaptchaConfig     `mapstructure:"captcha"`
	Login       LoginConfig       `mapstructure:"login"`
	Destination DestinationConfig `mapstructure:"destination"`
	Staging     StagingConfig     `mapstructure:"staging"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Debug       DebugConfig       `mapstructure:"debug"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// PortalConfig describes the vendor file board.
type PortalConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Login    string        `mapstructure:"login"`
	Password string        `mapstructure:"password"`
	Charset  string        `mapstructure:"charset"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Markers  Markers       `mapstructure:"markers"`
}

// Markers are the substrings used to classify a login response.
type Markers struct {
	WrongCaptcha string `mapstructure:"wrong_captcha"`
	LoginFailed  string `mapstructure:"login_failed"`
}

// CaptchaConfig holds the solving service settings.
type CaptchaConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	ScratchFile    string        `mapstructure:"scratch_file"`
}

type LoginConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// DestinationConfig selects where archives are mirrored to.
// The URL scheme picks the transport: ftp://, sftp:// or s3://.
type DestinationConfig struct {
	URL      string        `mapstructure:"url"`
	Password string        `mapstructure:"password"`
	HostKey  string        `mapstructure:"host_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	S3       S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type StagingConfig struct {
	Dir string `mapstructure:"dir"`
}

type UploadConfig struct {
	ContinueOnError bool `mapstructure:"continue_on_error"`
}

// ScheduleConfig holds the optional cron expression for repeated runs.
// Empty means a single run.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

type DebugConfig struct {
	DumpDir string `mapstructure:"dump_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

const (
	defaultWrongCaptchaMarker = "Неверно введен код"
	defaultLoginFailedMarker  = "заблокирован или не существует"
)

// LoadConfig reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is normal in production.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.fileboard-sync")
	}

	v.SetEnvPrefix("FBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "http://client.d-inform.com")
	v.SetDefault("portal.login", "")
	v.SetDefault("portal.password", "")
	v.SetDefault("portal.charset", "windows-1251")
	v.SetDefault("portal.timeout", "60s")
	v.SetDefault("portal.markers.wrong_captcha", defaultWrongCaptchaMarker)
	v.SetDefault("portal.markers.login_failed", defaultLoginFailedMarker)

	v.SetDefault("captcha.api_key", "")
	v.SetDefault("captcha.base_url", "https://rucaptcha.com")
	v.SetDefault("captcha.poll_interval", "5s")
	v.SetDefault("captcha.timeout", "2m")
	v.SetDefault("captcha.max_attempts", 5)
	v.SetDefault("captcha.backoff_initial", "1s")
	v.SetDefault("captcha.backoff_max", "30s")
	v.SetDefault("captcha.scratch_file", "captcha.gif")

	v.SetDefault("login.max_attempts", 10)

	v.SetDefault("destination.url", "")
	v.SetDefault("destination.password", "")
	v.SetDefault("destination.host_key", "")
	v.SetDefault("destination.timeout", "30s")
	v.SetDefault("destination.s3.endpoint", "")
	v.SetDefault("destination.s3.region", "us-east-1")
	v.SetDefault("destination.s3.access_key", "")
	v.SetDefault("destination.s3.secret_key", "")

	v.SetDefault("staging.dir", "archives")
	v.SetDefault("upload.continue_on_error", false)
	v.SetDefault("schedule.cron", "")
	v.SetDefault("debug.dump_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "logs")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var problems []string
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, key+" is required")
		}
	}

	require(c.Portal.BaseURL, "portal.base_url")
	require(c.Portal.Login, "portal.login")
	require(c.Portal.Password, "portal.password")
	require(c.Captcha.APIKey, "captcha.api_key")
	require(c.Destination.URL, "destination.url")
	require(c.Staging.Dir, "staging.dir")

	if c.Portal.BaseURL != "" {
		if u, err := url.Parse(c.Portal.BaseURL); err != nil || u.Host == "" {
			problems = append(problems, fmt.Sprintf("portal.base_url %q is not an absolute URL", c.Portal.BaseURL))
		}
	}
	if c.Destination.URL != "" {
		if u, err := url.Parse(c.Destination.URL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("destination.url %q is not an absolute URL", c.Destination.URL))
		}
	}
	if c.Portal.Markers.WrongCaptcha == "" || c.Portal.Markers.LoginFailed == "" {
		problems = append(problems, "portal.markers.wrong_captcha and portal.markers.login_failed must not be empty")
	}
	if c.Captcha.MaxAttempts < 1 {
		problems = append(problems, "captcha.max_attempts must be at least 1")
	}
	if c.Login.MaxAttempts < 1 {
		problems = append(problems, "login.max_attempts must be at least 1")
	}
	if _, err := pageEncoding(c.Portal.Charset); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
