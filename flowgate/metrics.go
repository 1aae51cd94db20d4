package flowgate

import (
	"os"

	"encore.dev/metrics"

	"github.com/flowgate/flowgate/internal/engineauth"
	"github.com/flowgate/flowgate/internal/gateway"
)

func newCounter[V metrics.Value](name string, cfg metrics.CounterConfig) *metrics.Counter[V] {
	// In plain `go test` the Encore SDK stubs panic. Avoid that by returning nil.
	if os.Getenv("ENCORE_CFG") == "" {
		return nil
	}
	return metrics.NewCounter[V](name, cfg)
}

var (
	loginAttempts = newCounter[uint64]("flowgate_login_attempts_total", metrics.CounterConfig{})
	loginFailures = newCounter[uint64]("flowgate_login_failures_total", metrics.CounterConfig{})
	signups       = newCounter[uint64]("flowgate_signups_total", metrics.CounterConfig{})

	proxyRequests       = newCounter[uint64]("flowgate_proxy_requests_total", metrics.CounterConfig{})
	proxyOwnerFallbacks = newCounter[uint64]("flowgate_proxy_owner_fallback_total", metrics.CounterConfig{})
	upstreamErrors      = newCounter[uint64]("flowgate_upstream_errors_total", metrics.CounterConfig{})
	notConfigured       = newCounter[uint64]("flowgate_engine_not_configured_total", metrics.CounterConfig{})
	webhookMismatches   = newCounter[uint64]("flowgate_workspace_mismatch_total", metrics.CounterConfig{})

	provisionAttempts   = newCounter[uint64]("flowgate_provision_attempts_total", metrics.CounterConfig{})
	provisionFailures   = newCounter[uint64]("flowgate_provision_failures_total", metrics.CounterConfig{})
	engineProbeFailures = newCounter[uint64]("flowgate_engine_probe_failures_total", metrics.CounterConfig{})

	registryHydrations = newCounter[uint64]("flowgate_registry_hydrations_total", metrics.CounterConfig{})
	sessionsPruned     = newCounter[uint64]("flowgate_sessions_pruned_total", metrics.CounterConfig{})
)

func inc(c *metrics.Counter[uint64]) {
	if c != nil {
		c.Increment()
	}
}

func add(c *metrics.Counter[uint64], n uint64) {
	if c != nil {
		c.Add(n)
	}
}

func observeProvision(_ string, err error) {
	inc(provisionAttempts)
	if err != nil {
		inc(provisionFailures)
	}
}

func gatewayHooks() gateway.Hooks {
	return gateway.Hooks{
		OnProxied: func(_ int, source engineauth.Source) {
			inc(proxyRequests)
			if source == engineauth.SourceOwner {
				inc(proxyOwnerFallbacks)
			}
		},
		OnUpstreamError:    func() { inc(upstreamErrors) },
		OnWebhookMismatch:  func() { inc(webhookMismatches) },
		OnNotConfigured:    func() { inc(notConfigured) },
		OnRegistryHydrated: func(int) { inc(registryHydrations) },
	}
}
