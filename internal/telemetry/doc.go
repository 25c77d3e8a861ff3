// Package telemetry installs OpenTelemetry tracer and meter providers that
// export over OTLP (gRPC or HTTP/protobuf).
//
// The pattern bank, pruning and HTTP layers instrument themselves against the
// global providers; New replaces those globals when export is enabled:
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Configuration:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  sampling_rate: 1.0
//	  metrics: true
//	  export_interval: 15s
//
// Failures to build an exporter degrade the instance instead of failing the
// process. Tests use NewTestTelemetry for in-memory spans and metrics.
package telemetry
