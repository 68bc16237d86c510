package observe_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonwraymond/toolcache/observe"
)

func ExampleNewObserver() {
	ctx := context.Background()
	obs, err := observe.NewObserver(ctx, observe.Config{
		ServiceName: "toolcache",
		Version:     "1.0.0",
		Tracing:     observe.TracingConfig{Enabled: true, Exporter: "none"},
		Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
	})
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	defer func() {
		_ = obs.Shutdown(ctx)
	}()

	fmt.Println("Observer created successfully")
	// Output:
	// Observer created successfully
}

func ExampleConfig_Validate() {
	cfg := observe.Config{
		ServiceName: "toolcache",
		Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "statsd"},
	}

	err := cfg.Validate()
	fmt.Println(errors.Is(err, observe.ErrInvalidMetricsExporter))
	// Output:
	// true
}

func ExampleCollector() {
	c, _ := observe.NewCollector(nil)
	ctx := context.Background()

	c.RecordHit(ctx, "lookup")
	c.RecordHit(ctx, "lookup")
	c.RecordMiss(ctx, "lookup")
	c.RecordMiss(ctx, "lookup")
	c.RecordMiss(ctx, "lookup")

	fmt.Printf("hit rate: %.0f%%\n", c.Snapshot().HitRate)
	// Output:
	// hit rate: 40%
}

func ExampleLogger_With() {
	var buf bytes.Buffer
	logger := observe.NewLoggerWithWriter("info", &buf).
		With(observe.F("component", "refresh"))

	logger.Warn(context.Background(), "background refresh failed",
		observe.F("operation", "lookup"),
		observe.F("value", "never logged"),
	)

	var entry map[string]any
	_ = json.Unmarshal(buf.Bytes(), &entry)
	fmt.Println(entry["level"], entry["component"], entry["operation"], entry["value"])
	// Output:
	// warn refresh lookup [REDACTED]
}

func ExampleInstrumenter_Wrap() {
	in := observe.NewInstrumenter(nil, nil, nil)

	fetch := in.Wrap(observe.FetchMeta{Operation: "lookup"}, func(ctx context.Context) ([]byte, error) {
		return []byte(`{"balance":42}`), nil
	})

	v, err := fetch(context.Background())
	fmt.Println(string(v), err)
	// Output:
	// {"balance":42} <nil>
}

func ExampleFetchMeta_SpanName() {
	fmt.Println(observe.FetchMeta{Operation: "lookup"}.SpanName())
	fmt.Println(observe.FetchMeta{Operation: "lookup", Background: true}.SpanName())
	// Output:
	// cache.fetch.lookup
	// cache.refresh.lookup
}
