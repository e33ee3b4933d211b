package stats

import (
	"expvar"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func TestUpdatersShareMetricMap(t *testing.T) {
	// expvar allows each exported name exactly once per process, so
	// constructing a second updater must not re-publish the map
	a := NewStatsUpdater(http.NewServeMux())
	b := NewStatsUpdater(http.NewServeMux())

	a.RegisterMetric(NumActiveRooms)
	assert.NotNil(t, b.vars.Get(NumActiveRooms), "expected both updaters to see the same metrics")

	// re-registering keeps the counter's value
	a.vars.Get(NumActiveRooms).(*expvar.Int).Set(3)
	b.RegisterMetric(NumActiveRooms)
	assert.Equal(t, "3", a.vars.Get(NumActiveRooms).String())
}

func TestRegisterAndUpdateMetric(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric(NumMessagesSent)
	su.Run()
	defer su.Stop()

	su.Incr(NumMessagesSent)
	su.Incr(NumMessagesSent)
	su.Decr(NumMessagesSent)

	assert.Eventually(t, func() bool {
		return su.vars.Get(NumMessagesSent).String() == "1"
	}, time.Second, 10*time.Millisecond, "expected counter to settle at 1")
}
