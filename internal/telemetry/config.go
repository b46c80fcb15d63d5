package telemetry

// Config holds the OpenTelemetry tracing configuration for one run.
type Config struct {
	// Enabled turns on the OTLP exporter; when false Tracer() returns a
	// no-op tracer and every span is free.
	Enabled bool

	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP/gRPC collector address (e.g. "localhost:4317").
	Endpoint string
	Insecure bool

	// SampleRate is the trace sampling ratio, 0.0-1.0.
	SampleRate float64
}

// ProfilingConfig holds the Pyroscope continuous-profiling configuration.
type ProfilingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	ProfileTypes   []string
}
