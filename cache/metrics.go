package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreErrors tracks store operation errors
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "halfcache_store_errors_total",
		Help: "Total number of cache store operation errors",
	},
	[]string{"driver", "operation"}, // "sqlite"|"redis", "get"|"put"|"invalidate"|"keys"
)
