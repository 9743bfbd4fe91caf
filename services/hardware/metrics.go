package hardware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var settingsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "metald_settings_applied_total",
	Help: "Configuration setting applications, by method and outcome.",
}, []string{"method", "outcome"})
