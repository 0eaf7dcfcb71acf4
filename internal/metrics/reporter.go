package metrics

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
)

// LogReporter is a tally reporter that writes non-zero counter deltas and
// gauges to the log at debug level.
type LogReporter struct{}

var _ tally.StatsReporter = LogReporter{}

type capabilities struct{}

func (capabilities) Reporting() bool { return true }
func (capabilities) Tagging() bool   { return false }

// Capabilities reports that values are reported without tags.
func (LogReporter) Capabilities() tally.Capabilities { return capabilities{} }

// Flush is a no-op; every value is logged as it is reported.
func (LogReporter) Flush() {}

// ReportCounter logs a counter delta.
func (LogReporter) ReportCounter(name string, _ map[string]string, value int64) {
	if value == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "ReportCounter",
		"counter":  name,
		"delta":    value,
	}).Debug("Counter")
}

// ReportGauge logs a gauge value.
func (LogReporter) ReportGauge(name string, _ map[string]string, value float64) {
	logrus.WithFields(logrus.Fields{
		"function": "ReportGauge",
		"gauge":    name,
		"value":    value,
	}).Debug("Gauge")
}

// ReportTimer logs a timer sample.
func (LogReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	logrus.WithFields(logrus.Fields{
		"function": "ReportTimer",
		"timer":    name,
		"interval": interval.String(),
	}).Trace("Timer")
}

// ReportHistogramValueSamples is not logged.
func (LogReporter) ReportHistogramValueSamples(string, map[string]string, tally.Buckets, float64, float64, int64) {
}

// ReportHistogramDurationSamples is not logged.
func (LogReporter) ReportHistogramDurationSamples(string, map[string]string, tally.Buckets, time.Duration, time.Duration, int64) {
}
