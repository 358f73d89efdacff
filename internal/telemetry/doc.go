/*
Package telemetry wires OpenTelemetry tracing and metrics for swarmd.

Telemetry is off by default. When enabled, spans and metrics are exported over
OTLP (gRPC, or HTTP when the endpoint carries a scheme) and the providers are
installed as the OTel globals, so instrumented packages can use otel.Tracer and
otel.Meter without holding a reference.

Exporter failures mark telemetry degraded; the agent keeps running.

Tests use NewTestTelemetry, which records spans with a SpanRecorder and reads
metrics through a ManualReader:

	tt := telemetry.NewTestTelemetry()
	p, _ := claim.New(s, claim.Options{Holder: "a", Tracer: tt.Tracer("test"), Meter: tt.Meter("test")})
	// ...
	tt.AssertSpanExists(t, "claim.Claim")
	assert.Equal(t, int64(1), tt.Counter(t, "swarm.claims", attribute.String("result", "claimed")))
*/
package telemetry
