package convo

import (
	"log/slog"
	"os"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

const (
	// MaxTextLenInLogs is the maximum length of message text in update logs.
	MaxTextLenInLogs = 64

	startCommand = "/start"
)

type (
	// HandlerFunc handles one update. The returned State is consumed by the
	// conversation runtime; top-level handlers may return StateNone. Errors
	// are captured by the pipeline and passed to the error dispatch boundary.
	HandlerFunc func(u Update, c Context) (State, error)

	// TypedHandlerFunc handles one update together with a decoded callback
	// payload. Use Inject to adapt it into a HandlerFunc.
	TypedHandlerFunc[T any] func(u Update, c Context, data T) (State, error)

	// MiddlewareFunc runs at the poller level on every update, before any
	// handler. Return false to drop the update.
	MiddlewareFunc func(upd *tele.Update) bool

	// Logger is an interface for logging messages.
	Logger interface {
		Debug(msg string, args ...any)
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}

	// UpdateLogger is an interface for logging incoming updates.
	UpdateLogger interface {
		Log(t UpdateType, args ...any)
	}

	// Options contains convo additional options.
	Options struct {
		// Config contains convo configuration. It is optional and has default
		// values for all fields. You also can set values using environment
		// variables.
		Config Config

		// Storage persists user, chat and conversation records. It uses
		// in-memory storage by default. Provide NewMongoStorage result or
		// your own implementation to survive restarts.
		Storage Storage

		// Logger is a logger. It uses slog logger by default.
		Logger Logger

		// UpdateLogger is a logger for updates. It uses Logger on debug
		// level by default. Set Config.LogUpdates to false to disable
		// updates logging.
		UpdateLogger UpdateLogger

		// Poller is a poller for the bot. It uses a long poller by default.
		// Provide a custom poller for testing.
		Poller tele.Poller

		// Client overrides the outbound client. It is built from the bot
		// token by default. Provide a mock in tests.
		Client Client

		// Metrics enables Prometheus metrics when Registry is set.
		Metrics MetricsConfig
	}

	// UpdateType is a type of update that is used in update logging.
	UpdateType string
)

const (
	MessageUpdate  UpdateType = "message"
	CallbackUpdate UpdateType = "callback"
)

func (t UpdateType) String() string {
	return string(t)
}

// WithConfig returns an option that sets the bot configuration.
func WithConfig(cfg Config) func(opts *Options) {
	return func(opts *Options) {
		opts.Config = cfg
	}
}

// WithStorage returns an option that sets the persistent storage.
func WithStorage(st Storage) func(opts *Options) {
	return func(opts *Options) {
		opts.Storage = st
	}
}

// WithLogger returns an option that sets the logger.
func WithLogger(logger Logger) func(opts *Options) {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithUpdateLogger returns an option that sets the update logger.
func WithUpdateLogger(logger UpdateLogger) func(opts *Options) {
	return func(opts *Options) {
		opts.UpdateLogger = logger
	}
}

// WithMetrics returns an option that enables Prometheus metrics.
func WithMetrics(cfg MetricsConfig) func(opts *Options) {
	return func(opts *Options) {
		opts.Metrics = cfg
	}
}

// WithTestMode returns an option that sets the test mode: the bot is created
// offline and does not call Telegram. If poller is provided, it will be used
// instead of the default poller.
func WithTestMode(poller ...tele.Poller) func(opts *Options) {
	return func(opts *Options) {
		if len(poller) > 0 {
			opts.Poller = poller[0]
		}
		opts.Config.TestMode = true
	}
}

func prepareOpts(opts Options) (Options, error) {
	err := opts.Config.prepareAndValidate()
	if err != nil {
		return opts, errm.Wrap(err, "prepare and validate config")
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: lang.If(opts.Config.Debug, slog.LevelDebug, slog.LevelInfo),
		}))
		if opts.UpdateLogger == nil && !opts.Config.Debug {
			opts.UpdateLogger = &updateLogger{slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))}
		}
	}
	if opts.UpdateLogger == nil {
		opts.UpdateLogger = &updateLogger{opts.Logger}
	}
	if !*opts.Config.EnableLogging {
		opts.Logger = NoopLogger{}
	}

	if opts.Storage == nil {
		opts.Storage, err = NewMemoryStorage(opts.Config.CacheCapacity, opts.Config.CacheTTL)
		if err != nil {
			return opts, errm.Wrap(err, "new memory storage")
		}
	}

	return opts, nil
}

type updateLogger struct {
	l Logger
}

func (u *updateLogger) Log(t UpdateType, args ...any) {
	u.l.Debug(t.String(), args...)
}

// NoopLogger is a Logger that discards everything.
type NoopLogger struct{}

func (NoopLogger) Debug(msg string, args ...any) {}
func (NoopLogger) Info(msg string, args ...any)  {}
func (NoopLogger) Warn(msg string, args ...any)  {}
func (NoopLogger) Error(msg string, args ...any) {}
