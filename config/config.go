// Package config loads pipeline settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jupark12/pcr-intake/schedule"
)

// Mode selects which loops the process runs
type Mode string

const (
	ModeAll       Mode = "all"
	ModePoller    Mode = "poller"
	ModeProcessor Mode = "processor"
)

// ParseMode validates a mode string
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAll, "":
		return ModeAll, nil
	case ModePoller:
		return ModePoller, nil
	case ModeProcessor:
		return ModeProcessor, nil
	}
	return "", &ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q (want all, poller or processor)", s)}
}

// RunsPoller reports whether the mail poller is enabled in this mode
func (m Mode) RunsPoller() bool { return m == ModeAll || m == ModePoller }

// RunsProcessor reports whether the work queue processor is enabled in this mode
func (m Mode) RunsProcessor() bool { return m == ModeAll || m == ModeProcessor }

// ConfigError is returned for missing or malformed settings. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// MailConfig holds mailbox settings
type MailConfig struct {
	Email      string
	Password   string
	Addr       string
	Sender     string
	Subject    string
	MaxPerPoll int
	Timeout    time.Duration
}

// ArchiveConfig holds the optional S3 quarantine mirror settings
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Profile      string
	UsePathStyle bool
}

// Enabled reports whether quarantined items should be mirrored
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// Config holds application configuration
type Config struct {
	Mail              MailConfig
	SaveDir           string
	QuarantineDir     string
	Schedule          schedule.Config
	ProcessorInterval time.Duration
	StateFile         string
	DedupBackend      string // file or redis
	RedisURL          string
	RedisKey          string
	OpenAIKey         string
	OpenAIModel       string
	PromptFile        string
	DatabaseURL       string
	SQLitePath        string
	UnitID            string
	InterpretTimeout  time.Duration
	PersistTimeout    time.Duration
	Archive           ArchiveConfig
	StatusAddr        string
	LogLevel          string
	LogPretty         bool
}

const (
	DefaultIMAPAddr       = "imap.mail.yahoo.com:993"
	DefaultSender         = "SC911@mailfax.comm.somerset.nj.us"
	DefaultSubject        = "1 page fax received from VSI-FAX"
	DefaultMaxPerPoll     = 15
	DefaultLegacyInterval = 900
	DefaultNightInterval  = 3600
	DefaultNightStartHour = 23
	DefaultNightEndHour   = 6
	DefaultOpenAIModel    = "gpt-4o"
)

// Option adjusts how Load resolves settings
type Option func(*loadOptions)

type loadOptions struct {
	pollInterval int
}

// WithPollInterval supplies the legacy poll interval in seconds, taking the
// place of EMAIL_POLL_INTERVAL_SECONDS. DAY_POLL_INTERVAL_SECONDS still wins.
func WithPollInterval(seconds int) Option {
	return func(o *loadOptions) { o.pollInterval = seconds }
}

// Load reads configuration from environment variables
func Load(opts ...Option) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	p := &envParser{}

	legacy := o.pollInterval
	if legacy <= 0 {
		legacy = p.getEnvAsInt("EMAIL_POLL_INTERVAL_SECONDS", DefaultLegacyInterval)
	}
	day := p.getEnvAsInt("DAY_POLL_INTERVAL_SECONDS", legacy)
	night := p.getEnvAsInt("NIGHT_POLL_INTERVAL_SECONDS", DefaultNightInterval)

	saveDir := getEnv("EMAIL_SAVE_DIR", getEnv("WATCH_DIR", ""))

	cfg := &Config{
		Mail: MailConfig{
			Email:      getEnv("YAHOO_EMAIL", ""),
			Password:   getEnv("YAHOO_PASSWORD", ""),
			Addr:       getEnv("IMAP_ADDR", DefaultIMAPAddr),
			Sender:     getEnv("MAIL_SENDER", DefaultSender),
			Subject:    getEnv("MAIL_SUBJECT", DefaultSubject),
			MaxPerPoll: p.getEnvAsInt("MAIL_MAX_PER_POLL", DefaultMaxPerPoll),
			Timeout:    p.getEnvAsSeconds("IMAP_TIMEOUT_SECONDS", 60),
		},
		SaveDir:       saveDir,
		QuarantineDir: getEnv("QUARANTINE_DIR", ""),
		Schedule: schedule.Config{
			DayInterval:    time.Duration(day) * time.Second,
			NightInterval:  time.Duration(night) * time.Second,
			NightStartHour: p.getEnvAsInt("NIGHT_START_HOUR", DefaultNightStartHour),
			NightEndHour:   p.getEnvAsInt("NIGHT_END_HOUR", DefaultNightEndHour),
		},
		ProcessorInterval: p.getEnvAsSeconds("PROCESSOR_INTERVAL_SECONDS", 30),
		StateFile:         getEnv("STATE_FILE", defaultStateFile()),
		DedupBackend:      strings.ToLower(getEnv("DEDUP_BACKEND", "file")),
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisKey:          getEnv("REDIS_KEY", "pcr:processed_emails"),
		OpenAIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", DefaultOpenAIModel),
		PromptFile:        getEnv("PROMPT_FILE", ""),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		SQLitePath:        getEnv("SQLITE_PATH", ""),
		UnitID:            getEnv("UNIT_ID", ""),
		InterpretTimeout:  p.getEnvAsSeconds("INTERPRET_TIMEOUT_SECONDS", 120),
		PersistTimeout:    p.getEnvAsSeconds("PERSIST_TIMEOUT_SECONDS", 30),
		Archive: ArchiveConfig{
			Bucket:       getEnv("S3_BUCKET", ""),
			Prefix:       strings.Trim(getEnv("S3_PREFIX", ""), "/"),
			Region:       getEnv("S3_REGION", ""),
			Profile:      getEnv("S3_PROFILE", ""),
			UsePathStyle: p.getEnvAsBool("S3_USE_PATH_STYLE", false),
		},
		StatusAddr: getEnv("STATUS_ADDR", ""),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPretty:  p.getEnvAsBool("LOG_PRETTY", true),
	}

	if err := p.err(); err != nil {
		return nil, err
	}

	if cfg.SaveDir != "" && cfg.QuarantineDir == "" {
		cfg.QuarantineDir = filepath.Join(filepath.Dir(filepath.Clean(cfg.SaveDir)), "quarantine")
	}

	return cfg, nil
}

// Validate checks that everything the selected mode needs is present
func (c *Config) Validate(mode Mode) error {
	if c.SaveDir == "" {
		return &ConfigError{Field: "EMAIL_SAVE_DIR", Reason: "save directory not configured (set EMAIL_SAVE_DIR or WATCH_DIR)"}
	}
	info, err := os.Stat(c.SaveDir)
	if err != nil {
		return &ConfigError{Field: "EMAIL_SAVE_DIR", Reason: fmt.Sprintf("save directory does not exist: %s", c.SaveDir)}
	}
	if !info.IsDir() {
		return &ConfigError{Field: "EMAIL_SAVE_DIR", Reason: fmt.Sprintf("save directory is not a directory: %s", c.SaveDir)}
	}

	if mode.RunsPoller() {
		if c.Mail.Email == "" || c.Mail.Password == "" {
			return &ConfigError{Field: "YAHOO_EMAIL", Reason: "mail credentials not configured (set YAHOO_EMAIL and YAHOO_PASSWORD; Yahoo requires an app password)"}
		}
		if c.Mail.MaxPerPoll <= 0 {
			return &ConfigError{Field: "MAIL_MAX_PER_POLL", Reason: "must be positive"}
		}
		if err := c.Schedule.Validate(); err != nil {
			return &ConfigError{Field: "schedule", Reason: err.Error()}
		}
		switch c.DedupBackend {
		case "file":
			if c.StateFile == "" {
				return &ConfigError{Field: "STATE_FILE", Reason: "state file path is empty"}
			}
		case "redis":
			if c.RedisURL == "" {
				return &ConfigError{Field: "REDIS_URL", Reason: "required when DEDUP_BACKEND=redis"}
			}
		default:
			return &ConfigError{Field: "DEDUP_BACKEND", Reason: fmt.Sprintf("unknown backend %q", c.DedupBackend)}
		}
	}

	if mode.RunsProcessor() {
		if c.OpenAIKey == "" {
			return &ConfigError{Field: "OPENAI_API_KEY", Reason: "interpretation API key not configured"}
		}
		if c.DatabaseURL == "" && c.SQLitePath == "" {
			return &ConfigError{Field: "DATABASE_URL", Reason: "set DATABASE_URL (postgres) or SQLITE_PATH"}
		}
		if c.ProcessorInterval <= 0 {
			return &ConfigError{Field: "PROCESSOR_INTERVAL_SECONDS", Reason: "must be positive"}
		}
		if c.PromptFile != "" {
			if info, err := os.Stat(c.PromptFile); err != nil || info.IsDir() {
				return &ConfigError{Field: "PROMPT_FILE", Reason: fmt.Sprintf("prompt file not found: %s", c.PromptFile)}
			}
		}
	}

	return nil
}

// IsConfigError reports whether err is a configuration error
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func defaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".pcr_utils", "processed_emails.txt")
	}
	return filepath.Join(home, ".pcr_utils", "processed_emails.txt")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// envParser collects the first malformed numeric or boolean variable
type envParser struct {
	first *ConfigError
}

func (p *envParser) fail(key, value, want string) {
	if p.first == nil {
		p.first = &ConfigError{Field: key, Reason: fmt.Sprintf("%q is not a valid %s", value, want)}
	}
}

func (p *envParser) err() error {
	if p.first == nil {
		return nil
	}
	return p.first
}

func (p *envParser) getEnvAsInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, "integer")
		return defaultValue
	}
	return intVal
}

func (p *envParser) getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(p.getEnvAsInt(key, defaultSeconds)) * time.Second
}

func (p *envParser) getEnvAsBool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, "boolean")
		return defaultValue
	}
	return boolVal
}
