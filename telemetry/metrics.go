package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Units are encoded according to the case-sensitive abbreviations from the
// Unified Code for Units of Measure: http://unitsofmeasure.org/ucum.html.
const (
	unitDimensionless = "1"
	unitMilliseconds  = "ms"
	unitBytes         = "By"
)

//nolint:gochecknoglobals // OpenTelemetry histogram boundaries must be global for reuse
var defaultMillisecondsBoundaries = []float64{
	0.0, 0.1, 0.2, 0.4, 0.6, 0.8, 1.0, 2.0, 3.0, 4.0, 5.0, 6.0, 8.0, 10.0, 13.0, 16.0, 20.0, 25.0, 30.0,
	40.0, 50.0, 65.0, 80.0, 100.0, 130.0, 160.0, 200.0, 250.0, 300.0, 400.0, 500.0, 650.0, 800.0,
	1000.0, 2000.0, 5000.0, 10000.0,
}

// LatencyView buckets every millisecond histogram of pkg with the default boundaries.
func LatencyView(pkg string) sdkmetric.View {
	return func(inst sdkmetric.Instrument) (sdkmetric.Stream, bool) {
		if inst.Kind != sdkmetric.InstrumentKindHistogram || inst.Scope.Name != pkg {
			return sdkmetric.Stream{}, false
		}
		return sdkmetric.Stream{
			Name:        inst.Name,
			Description: inst.Description,
			Unit:        inst.Unit,
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: defaultMillisecondsBoundaries,
			},
			AttributeFilter: func(kv attribute.KeyValue) bool {
				return kv.Key != AttrMessageIDKey
			},
		}, true
	}
}

// Meter returns the named meter from provider, the global provider is used when provider is nil.
func Meter(provider metric.MeterProvider, pkg string) metric.Meter {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	return provider.Meter(pkg, metric.WithInstrumentationAttributes(AttrPackageKey.String(pkg)))
}

// LatencyMeasure returns a millisecond histogram named pkg+name.
func LatencyMeasure(meter metric.Meter, pkg string, name string, description string) metric.Float64Histogram {
	m, err := meter.Float64Histogram(
		pkg+name,
		metric.WithDescription(description),
		metric.WithUnit(unitMilliseconds),
	)
	if err != nil {
		// The only possible errors are from invalid key or value names, and those are programming
		// errors that will be found during testing.
		panic(fmt.Sprintf("fullName=%q: %v", pkg+name, err))
	}

	return m
}

// DimensionlessMeasure creates a simple counter specifically for dimensionless measurements.
func DimensionlessMeasure(meter metric.Meter, pkg string, name string, description string) metric.Int64Counter {
	m, err := meter.Int64Counter(
		pkg+name,
		metric.WithDescription(description),
		metric.WithUnit(unitDimensionless),
	)
	if err != nil {
		panic(fmt.Sprintf("fullName=%q: %v", pkg+name, err))
	}
	return m
}

// BytesMeasure creates a counter for bytes measurements.
func BytesMeasure(meter metric.Meter, pkg string, name string, description string) metric.Int64Counter {
	m, err := meter.Int64Counter(pkg+name, metric.WithDescription(description), metric.WithUnit(unitBytes))
	if err != nil {
		panic(fmt.Sprintf("fullName=%q: %v", pkg+name, err))
	}
	return m
}
