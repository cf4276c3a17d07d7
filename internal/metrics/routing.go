package metrics

import (
	"strconv"

	"github.com/flowpbx/agentgw/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
)

// RoutingObserver counts routing outcomes. It implements routing.Observer.
type RoutingObserver struct {
	routed         *prometheus.CounterVec
	dials          *prometheus.CounterVec
	transfers      *prometheus.CounterVec
	registryMisses prometheus.Counter
	closed         *prometheus.CounterVec
}

var _ routing.Observer = (*RoutingObserver)(nil)

// NewRoutingObserver creates the routing counters and registers them with reg.
func NewRoutingObserver(reg prometheus.Registerer) *RoutingObserver {
	o := &RoutingObserver{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_sessions_routed_total",
			Help: "Sessions routed, by classified origin",
		}, []string{"origin"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_dial_results_total",
			Help: "Outbound dial outcomes, by result",
		}, []string{"status"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_transfers_total",
			Help: "Transfers started, by whether the REFER was passed through",
		}, []string{"passthrough"}),
		registryMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgw_registry_misses_total",
			Help: "Events received for a call ID with no live session",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_sessions_closed_total",
			Help: "Sessions closed, by the state they were in",
		}, []string{"from_state"}),
	}
	reg.MustRegister(o.routed, o.dials, o.transfers, o.registryMisses, o.closed)
	return o
}

func (o *RoutingObserver) SessionRouted(origin routing.Origin) {
	o.routed.WithLabelValues(string(origin)).Inc()
}

func (o *RoutingObserver) DialFinished(status routing.DialStatus) {
	o.dials.WithLabelValues(string(status)).Inc()
}

func (o *RoutingObserver) TransferStarted(passThrough bool) {
	o.transfers.WithLabelValues(strconv.FormatBool(passThrough)).Inc()
}

func (o *RoutingObserver) RegistryMiss() {
	o.registryMisses.Inc()
}

func (o *RoutingObserver) SessionClosed(from routing.State) {
	o.closed.WithLabelValues(string(from)).Inc()
}
