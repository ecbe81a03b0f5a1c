package dispatch

import (
	"sort"

	"github.com/aman-churiwal/gateway-core/internal/circuitbreaker"
)

// Per-service health derived on demand from circuit breaker state and
// cumulative stats; nothing here is stored
type ServiceHealth struct {
	Service             string  `json:"service"`
	URL                 string  `json:"url"`
	Status              string  `json:"status"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	SuccessRate         float64 `json:"success_rate"`
}

func (d *Dispatcher) ServiceHealthViews() []ServiceHealth {
	services := d.routes.Services()

	out := make([]ServiceHealth, 0, len(services))
	for _, snap := range d.breakers.Snapshots() {
		url, known := services[snap.Service]
		if !known {
			continue
		}

		status := "healthy"
		switch snap.State {
		case circuitbreaker.StateOpen.String():
			status = "unavailable"
		case circuitbreaker.StateHalfOpen.String():
			status = "degraded"
		}

		out = append(out, ServiceHealth{
			Service:             snap.Service,
			URL:                 url,
			Status:              status,
			CircuitBreakerState: snap.State,
			SuccessRate:         snap.SuccessRate,
		})
		delete(services, snap.Service)
	}

	// Services that never saw traffic have no breaker yet
	for service, url := range services {
		out = append(out, ServiceHealth{
			Service:             service,
			URL:                 url,
			Status:              "healthy",
			CircuitBreakerState: circuitbreaker.StateClosed.String(),
			SuccessRate:         1,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Service < out[j].Service
	})

	return out
}
