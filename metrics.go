package convo

import (
	"time"

	"github.com/maxbolgarin/lang"
	"github.com/prometheus/client_golang/prometheus"
)

// Error type labels for the errors counter.
const (
	metricsErrorNotRegistered = "not_registered"
	metricsErrorBlocked       = "bot_blocked"
	metricsErrorUnclassified  = "unclassified"
	metricsErrorInternal      = "internal"
	metricsErrorTelegramAPI   = "telegram_api"

	defaultSubsystem = "convo"
)

// MetricsHistogramBuckets are the buckets for handler duration metrics,
// from 1ms to 10s.
var MetricsHistogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// MetricsConfig configures Prometheus metrics. Metrics are collected only
// when Registry is set; a zero config disables them entirely.
type MetricsConfig struct {
	// Registry is the Prometheus registry to register metrics in.
	Registry prometheus.Registerer
	// Namespace is the metrics namespace, empty by default.
	Namespace string
	// Subsystem is the metrics subsystem, "convo" by default.
	Subsystem string
	// ConstLabels are attached to every metric.
	ConstLabels prometheus.Labels
}

// metrics holds all Prometheus metrics of the bot. All methods are safe to
// call on a nil or disabled instance, so callers never guard themselves.
type metrics struct {
	MetricsConfig

	updatesTotal     *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	handlersInFlight prometheus.Gauge
	handlerDuration  *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec

	conversationsStarted *prometheus.CounterVec
	conversationsEnded   *prometheus.CounterVec
	conversationsActive  *prometheus.GaugeVec

	usersCreatedTotal prometheus.Counter
	usersCached       prometheus.Gauge

	messagesSentTotal    prometheus.Counter
	messagesEditedTotal  prometheus.Counter
	messagesDeletedTotal prometheus.Counter

	disabled bool
}

// newMetrics creates and registers all bot metrics.
// If config.Registry is nil, it returns a disabled instance.
func newMetrics(config MetricsConfig) *metrics {
	if config.Registry == nil {
		return &metrics{
			disabled: true,
		}
	}

	m := &metrics{
		MetricsConfig: config,
	}

	m.updatesTotal = m.newCounter("updates_total", "Total number of updates received", "type")
	m.droppedTotal = m.newCounter("updates_dropped_total", "Total number of updates dropped before handling", "reason")
	m.handlersInFlight = m.newSimpleGauge("handlers_in_flight", "Number of handlers running right now")
	m.handlerDuration = m.newHistogram("handler_duration_seconds", "Handler execution duration in seconds",
		MetricsHistogramBuckets, "type")
	m.errorsTotal = m.newCounter("errors_total", "Total number of errors by type", "type")

	m.conversationsStarted = m.newCounter("conversations_started_total", "Total number of started dialogs", "name")
	m.conversationsEnded = m.newCounter("conversations_ended_total", "Total number of ended dialogs", "name")
	m.conversationsActive = m.newGauge("conversations_active", "Number of active dialog scopes", "name")

	m.usersCreatedTotal = m.newSimpleCounter("users_created_total", "Total number of users seen for the first time")
	m.usersCached = m.newSimpleGauge("users_cached", "Number of user records in the cache")

	m.messagesSentTotal = m.newSimpleCounter("messages_sent_total", "Total number of messages sent")
	m.messagesEditedTotal = m.newSimpleCounter("messages_edited_total", "Total number of messages edited")
	m.messagesDeletedTotal = m.newSimpleCounter("messages_deleted_total", "Total number of messages deleted")

	return m
}

func (m *metrics) incUpdate(t UpdateType) {
	if m == nil || m.disabled {
		return
	}
	m.updatesTotal.WithLabelValues(t.String()).Inc()
}

func (m *metrics) incDropped(reason string) {
	if m == nil || m.disabled {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

func (m *metrics) incHandlersInFlight() {
	if m == nil || m.disabled {
		return
	}
	m.handlersInFlight.Inc()
}

func (m *metrics) decHandlersInFlight() {
	if m == nil || m.disabled {
		return
	}
	m.handlersInFlight.Dec()
}

func (m *metrics) observeHandlerDuration(t UpdateType, d time.Duration) {
	if m == nil || m.disabled {
		return
	}
	m.handlerDuration.WithLabelValues(t.String()).Observe(d.Seconds())
}

func (m *metrics) incError(typ string) {
	if m == nil || m.disabled {
		return
	}
	m.errorsTotal.WithLabelValues(typ).Inc()
}

func (m *metrics) incConversationStarted(name string) {
	if m == nil || m.disabled {
		return
	}
	m.conversationsStarted.WithLabelValues(name).Inc()
}

func (m *metrics) incConversationEnded(name string) {
	if m == nil || m.disabled {
		return
	}
	m.conversationsEnded.WithLabelValues(name).Inc()
}

func (m *metrics) setConversationsActive(name string, count int) {
	if m == nil || m.disabled {
		return
	}
	m.conversationsActive.WithLabelValues(name).Set(float64(count))
}

func (m *metrics) incUserCreated() {
	if m == nil || m.disabled {
		return
	}
	m.usersCreatedTotal.Inc()
}

func (m *metrics) setUsersCached(count int) {
	if m == nil || m.disabled {
		return
	}
	m.usersCached.Set(float64(count))
}

func (m *metrics) incMessageSent() {
	if m == nil || m.disabled {
		return
	}
	m.messagesSentTotal.Inc()
}

func (m *metrics) incMessageEdited() {
	if m == nil || m.disabled {
		return
	}
	m.messagesEditedTotal.Inc()
}

func (m *metrics) incMessageDeleted() {
	if m == nil || m.disabled {
		return
	}
	m.messagesDeletedTotal.Inc()
}

// wrapClientWithMetrics decorates the outbound client with the message
// counters. A disabled metrics instance returns the client untouched.
func wrapClientWithMetrics(c Client, m *metrics) Client {
	if m == nil || m.disabled {
		return c
	}
	return &metricsClient{next: c, m: m}
}

type metricsClient struct {
	next Client
	m    *metrics
}

func (c *metricsClient) SendMessage(chatID int64, text string, options ...any) (int, error) {
	msgID, err := c.next.SendMessage(chatID, text, options...)
	if err != nil {
		c.m.incError(metricsErrorTelegramAPI)
		return msgID, err
	}
	c.m.incMessageSent()
	return msgID, nil
}

func (c *metricsClient) EditMessage(chatID int64, msgID int, text string, options ...any) error {
	if err := c.next.EditMessage(chatID, msgID, text, options...); err != nil {
		c.m.incError(metricsErrorTelegramAPI)
		return err
	}
	c.m.incMessageEdited()
	return nil
}

func (c *metricsClient) DeleteMessage(chatID int64, msgID int) error {
	if err := c.next.DeleteMessage(chatID, msgID); err != nil {
		c.m.incError(metricsErrorTelegramAPI)
		return err
	}
	c.m.incMessageDeleted()
	return nil
}

func (c *metricsClient) AnswerCallback(callbackID string, text ...string) error {
	if err := c.next.AnswerCallback(callbackID, text...); err != nil {
		c.m.incError(metricsErrorTelegramAPI)
		return err
	}
	return nil
}

// newCounter creates a CounterVec and registers it in the registry.
func (r *metrics) newCounter(name, help string, labelNames ...string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
		labelNames,
	)
	r.Registry.MustRegister(counter)
	return counter
}

// newGauge creates a GaugeVec and registers it in the registry.
func (r *metrics) newGauge(name, help string, labelNames ...string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
		labelNames,
	)
	r.Registry.MustRegister(gauge)
	return gauge
}

// newHistogram creates a HistogramVec and registers it in the registry.
func (r *metrics) newHistogram(name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
			Buckets:     buckets,
		},
		labelNames,
	)
	r.Registry.MustRegister(histogram)
	return histogram
}

// newSimpleCounter creates a plain Counter and registers it in the registry.
func (r *metrics) newSimpleCounter(name, help string) prometheus.Counter {
	counter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
	)
	r.Registry.MustRegister(counter)
	return counter
}

// newSimpleGauge creates a plain Gauge and registers it in the registry.
func (r *metrics) newSimpleGauge(name, help string) prometheus.Gauge {
	gauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
	)
	r.Registry.MustRegister(gauge)
	return gauge
}
