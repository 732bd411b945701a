package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.EventPublished("message", 3)
	c.EventPublished("message", 2)
	c.SubscriberDropped("message")
	c.SubscriptionsChanged(4)
	c.SubscriptionsChanged(-1)
	c.MessageAppended()
	c.InterestToggled(true)
	c.InterestToggled(true)
	c.InterestToggled(false)
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.Resubscribed()

	require.Equal(t, 2.0, testutil.ToFloat64(c.eventsPublished.WithLabelValues("message")))
	require.Equal(t, 5.0, testutil.ToFloat64(c.eventsDelivered.WithLabelValues("message")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.subscribersDrop.WithLabelValues("message")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.subscriptions))
	require.Equal(t, 1.0, testutil.ToFloat64(c.messagesAppended))
	require.Equal(t, 2.0, testutil.ToFloat64(c.interestToggles.WithLabelValues("true")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.interestToggles.WithLabelValues("false")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(c.sessionResubscribe))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.MessageAppended()

	rr := httptest.NewRecorder()
	req, err := http.NewRequest("GET", "/metrics", nil)
	require.NoError(t, err)

	Handler(reg).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), "collab_messages_appended_total 1"))
}
