package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is a constant 1 labelled with version and commit.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "GymMaster enrollment API build information.",
		},
		[]string{"service", "version", "commit"},
	)
)

// InitBuildInfo registers build_info once and sets it for this binary.
func InitBuildInfo(service, version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(service, version, commit).Set(1)
}
