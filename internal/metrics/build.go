package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterBuildInfo registers a constant gauge with value 1 identifying the
// running binary and process instance.
func RegisterBuildInfo(reg prometheus.Registerer, version, commit, instanceID string) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information about the running exporter.",
		ConstLabels: prometheus.Labels{
			"version":     version,
			"commit":      commit,
			"instance_id": instanceID,
		},
	}, func() float64 { return 1 }))
}
