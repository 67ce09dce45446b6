// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// When Config.Enabled is false the package hands out no-op providers, so every
// Record* call and span is free. When enabled, an SDK meter provider and tracer
// provider are created; pass Config.MetricReader to export metrics (a manual
// reader in tests, a periodic exporter in production).
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName: "oidc-server",
//		Enabled:     true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
// Metrics are grouped by scope:
//   - server: authorization, consent, code and token lifecycle, reuse detection
//   - storage: backend operation counts and latency
//   - token: signing key rotations
//   - registry: snapshot reloads
//   - credentials: credential store latency and timeouts
//
// Never record token values, codes or secrets as attributes. Only identifiers
// that are safe to publish (client ids, grant ids, grant types) are used.
package instrumentation
