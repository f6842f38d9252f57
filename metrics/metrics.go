// Package metrics exposes Prometheus counters for sign-ins and session reads.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session lookup results.
const (
	LookupFound   = "found"
	LookupAbsent  = "absent"
	LookupExpired = "expired"
	LookupError   = "error"
)

// Sign-in results.
const (
	SignInSuccess = "success"
	SignInDenied  = "denied"
	SignInError   = "error"
)

// Recorder is what the runtime reports to.
type Recorder interface {
	RecordSessionLookup(result string)
	RecordSessionRefresh()
	RecordSignIn(provider, result string, newUser bool)
	RecordSignOut()
}

type Collector struct {
	sessionLookups *prometheus.CounterVec
	sessionRefresh prometheus.Counter
	signIns        *prometheus.CounterVec
	signOuts       prometheus.Counter
}

// NewCollector creates the counters and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serverauth_session_lookups_total",
			Help: "Session reads by result",
		}, []string{"result"}),
		sessionRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serverauth_session_refreshes_total",
			Help: "Sessions whose expiry was pushed forward",
		}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serverauth_sign_ins_total",
			Help: "Completed OAuth callbacks by provider and result",
		}, []string{"provider", "result", "new_user"}),
		signOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serverauth_sign_outs_total",
			Help: "Sessions ended by sign-out",
		}),
	}

	reg.MustRegister(
		c.sessionLookups,
		c.sessionRefresh,
		c.signIns,
		c.signOuts,
	)

	return c
}

func (c *Collector) RecordSessionLookup(result string) {
	c.sessionLookups.WithLabelValues(result).Inc()
}

func (c *Collector) RecordSessionRefresh() {
	c.sessionRefresh.Inc()
}

func (c *Collector) RecordSignIn(provider, result string, newUser bool) {
	nu := "false"
	if newUser {
		nu = "true"
	}
	c.signIns.WithLabelValues(provider, result, nu).Inc()
}

func (c *Collector) RecordSignOut() {
	c.signOuts.Inc()
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordSessionLookup(string)        {}
func (Noop) RecordSessionRefresh()             {}
func (Noop) RecordSignIn(string, string, bool) {}
func (Noop) RecordSignOut()                    {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Noop{}
)
