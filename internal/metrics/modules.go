package metrics

import "github.com/prometheus/client_golang/prometheus"

// Module states reported by ModuleState.
const (
	ModuleRegistered = 0
	ModuleLoaded     = 1
	ModuleRunning    = 2
)

var ModuleState = factory.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "modhost",
	Subsystem: "module",
	Name:      "state",
	Help:      "Module lifecycle state (0=registered, 1=loaded, 2=running)",
}, []string{"module"})

// SetModuleState records the lifecycle state of a module.
func SetModuleState(name string, state int) {
	ModuleState.WithLabelValues(name).Set(float64(state))
}

// ForgetModule drops the series of an unregistered module.
func ForgetModule(name string) {
	ModuleState.DeleteLabelValues(name)
}
