// Package channel turns live feeds of the remote store into typed update
// streams with deterministic teardown.
package channel

import (
	"fmt"
	"strings"

	"github.com/dokzlo13/sporewatch/internal/remote"
)

// Metric names a sensor quantity.
type Metric string

const (
	MetricPH          Metric = "ph"
	MetricMoisture    Metric = "moisture"
	MetricCO2         Metric = "co2"
	MetricHumidity    Metric = "humidity"
	MetricTemperature Metric = "temperature"
)

// Metrics lists every metric in display order.
var Metrics = []Metric{MetricPH, MetricMoisture, MetricCO2, MetricHumidity, MetricTemperature}

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Metrics {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Key identifies one channel of the remote store.
type Key string

const (
	KeySnapshot Key = "sensors/current"
	KeyPosition Key = "robotArm/position"
	KeySlots    Key = "plots"
	KeyLight    Key = "lightControl"
	KeyCamera   Key = "camera/url"
	KeyModel    Key = "mlModel"
)

const historyPrefix = "sensors/history/"

// HistoryKey is the append-only reading feed of metric.
func HistoryKey(m Metric) Key {
	return Key(historyPrefix + string(m))
}

// AllKeys returns every channel key, history feeds first.
func AllKeys() []Key {
	keys := make([]Key, 0, len(Metrics)+6)
	for _, m := range Metrics {
		keys = append(keys, HistoryKey(m))
	}
	return append(keys, KeySnapshot, KeyPosition, KeySlots, KeyLight, KeyCamera, KeyModel)
}

// ParseKey validates a key name.
func ParseKey(s string) (Key, error) {
	k := Key(remote.CleanPath(s))
	for _, known := range AllKeys() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Path is the store path the key subscribes to.
func (k Key) Path() string { return string(k) }

// Metric reports which metric a history key feeds.
func (k Key) Metric() (Metric, bool) {
	name, ok := strings.CutPrefix(string(k), historyPrefix)
	if !ok || name == "" {
		return "", false
	}
	return Metric(name), true
}

// IsHistory reports whether k is an append-only history feed.
func (k Key) IsHistory() bool {
	_, ok := k.Metric()
	return ok
}

func (k Key) String() string { return string(k) }
