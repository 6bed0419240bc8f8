package convo

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

// Config contains convo configuration.
//
// You can use environment variables to fill it:
// CONVO_LP_TIMEOUT - long polling timeout
// CONVO_PARSE_MODE - default parse mode
// CONVO_ADMIN_IDS - comma separated list of admin user IDs
// CONVO_CACHE_CAPACITY - capacity of user and chat caches
// CONVO_CACHE_TTL - TTL of user and chat caches
// CONVO_CACHE_CLEAR_INTERVAL - interval of the user cache clearing job
// CONVO_NO_PREVIEW - disable link preview
// CONVO_DEBUG - enable debug mode
type Config struct {
	// LPTimeout is the long polling timeout.
	// Default is 15 seconds.
	LPTimeout time.Duration `yaml:"lp_timeout" json:"lp_timeout" env:"CONVO_LP_TIMEOUT"`

	// ParseMode is the default parse mode for outgoing messages.
	// Default is HTML.
	// It can be one of the following:
	// - "HTML"
	// - "Markdown"
	// - "MarkdownV2"
	ParseMode tele.ParseMode `yaml:"mode" json:"mode" env:"CONVO_PARSE_MODE"`

	// AdminIDs is the list of user IDs allowed through the AdminOnly gate.
	AdminIDs []int64 `yaml:"admin_ids" json:"admin_ids" env:"CONVO_ADMIN_IDS" env-separator:","`

	// CacheCapacity is the capacity of the user and chat caches. Caches
	// evict entries with least activity.
	// Default is 10000.
	CacheCapacity int `yaml:"cache_capacity" json:"cache_capacity" env:"CONVO_CACHE_CAPACITY"`

	// CacheTTL is the TTL of the user and chat caches.
	// Default is 24 hours.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" env:"CONVO_CACHE_TTL"`

	// CacheClearInterval is the interval of the housekeeping job that clears
	// the user caches entirely.
	// Default is 24 hours.
	CacheClearInterval time.Duration `yaml:"cache_clear_interval" json:"cache_clear_interval" env:"CONVO_CACHE_CLEAR_INTERVAL"`

	// NoPreview is a flag that disables link preview in outgoing messages.
	NoPreview bool `yaml:"no_preview" json:"no_preview" env:"CONVO_NO_PREVIEW"`

	// LogUpdates is a flag that enables logging of incoming updates.
	// Default is true.
	LogUpdates *bool `yaml:"log_updates" json:"log_updates" env:"CONVO_LOG_UPDATES"`

	// EnableLogging is a flag that enables logging of bot activity except
	// updates logging.
	// Default is true.
	EnableLogging *bool `yaml:"enable_logging" json:"enable_logging" env:"CONVO_ENABLE_LOGGING"`

	// Debug is a flag that enables debug mode. It sets log level to debug.
	Debug bool `yaml:"debug" json:"debug" env:"CONVO_DEBUG"`

	// TestMode is a flag that enables test mode. It sets log level to debug
	// and creates the bot offline, without calling Telegram.
	TestMode bool `yaml:"test_mode" json:"test_mode" env:"CONVO_TEST_MODE"`
}

// Read fills the config from a file (YAML or JSON) and environment variables,
// or from environment variables only when no file name is given.
func (cfg *Config) Read(fileName ...string) error {
	if len(fileName) > 0 {
		return cleanenv.ReadConfig(fileName[0], cfg)
	}
	return cleanenv.ReadEnv(cfg)
}

func (cfg *Config) prepareAndValidate() error {
	cfg.ParseMode = lang.Check(cfg.ParseMode, tele.ModeHTML)
	cfg.LPTimeout = lang.Check(cfg.LPTimeout, 15*time.Second)
	cfg.CacheCapacity = lang.Check(cfg.CacheCapacity, 10000)
	cfg.CacheTTL = lang.Check(cfg.CacheTTL, 24*time.Hour)
	cfg.CacheClearInterval = lang.Check(cfg.CacheClearInterval, 24*time.Hour)
	cfg.LogUpdates = lang.Ptr(lang.CheckPtr(cfg.LogUpdates, true))
	cfg.EnableLogging = lang.Ptr(lang.CheckPtr(cfg.EnableLogging, true))
	cfg.Debug = lang.Check(cfg.Debug, cfg.TestMode)

	return validation.ValidateStruct(cfg,
		validation.Field(&cfg.LPTimeout, validation.Required, validation.Min(1*time.Second)),
		validation.Field(&cfg.ParseMode, validation.Required),
		validation.Field(&cfg.CacheCapacity, validation.Required, validation.Min(1)),
		validation.Field(&cfg.CacheClearInterval, validation.Required, validation.Min(1*time.Minute)),
	)
}
