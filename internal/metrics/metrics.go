// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements fanout.Recorder, chat.Recorder and session.Recorder.
type Collector struct {
	eventsPublished    *prometheus.CounterVec
	eventsDelivered    *prometheus.CounterVec
	subscribersDrop    *prometheus.CounterVec
	subscriptions      prometheus.Gauge
	messagesAppended   prometheus.Counter
	interestToggles    *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	sessionResubscribe prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_bus_events_published_total",
			Help: "Events published to the fan-out bus",
		}, []string{"kind"}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_bus_events_enqueued_total",
			Help: "Events accepted by subscriber queues",
		}, []string{"kind"}),
		subscribersDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_bus_subscribers_dropped_total",
			Help: "Subscriptions dropped because their queue was full",
		}, []string{"kind"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_bus_subscriptions",
			Help: "Live fan-out subscriptions",
		}),
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_messages_appended_total",
			Help: "Messages durably appended to project logs",
		}),
		interestToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_interest_toggles_total",
			Help: "Interest toggles by resulting state",
		}, []string{"interested"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_chat_sessions",
			Help: "Open chat sessions",
		}),
		sessionResubscribe: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_chat_resubscribes_total",
			Help: "Resubscriptions after a lost realtime subscription",
		}),
	}

	reg.MustRegister(
		c.eventsPublished,
		c.eventsDelivered,
		c.subscribersDrop,
		c.subscriptions,
		c.messagesAppended,
		c.interestToggles,
		c.sessionsActive,
		c.sessionResubscribe,
	)

	return c
}

func (c *Collector) EventPublished(kind string, delivered int) {
	c.eventsPublished.WithLabelValues(kind).Inc()
	c.eventsDelivered.WithLabelValues(kind).Add(float64(delivered))
}

func (c *Collector) SubscriberDropped(kind string) {
	c.subscribersDrop.WithLabelValues(kind).Inc()
}

func (c *Collector) SubscriptionsChanged(delta int) {
	c.subscriptions.Add(float64(delta))
}

func (c *Collector) MessageAppended() {
	c.messagesAppended.Inc()
}

func (c *Collector) InterestToggled(interested bool) {
	c.interestToggles.WithLabelValues(strconv.FormatBool(interested)).Inc()
}

func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
}

func (c *Collector) SessionClosed() {
	c.sessionsActive.Dec()
}

func (c *Collector) Resubscribed() {
	c.sessionResubscribe.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
