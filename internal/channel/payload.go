package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/remote"
	"github.com/dokzlo13/sporewatch/internal/series"
)

var (
	// ErrMalformed marks a payload that could not be decoded.
	ErrMalformed = errors.New("malformed payload")

	// errEmpty marks a deleted document that has no value to deliver.
	errEmpty = errors.New("empty document")
)

// Update is one decoded change delivered to a subscriber. Value holds:
//
//	history keys   History
//	KeySnapshot    Snapshot
//	KeyPosition    actuator.Position
//	KeySlots       []actuator.Slot (empty when the feed has none)
//	KeyLight       LightConfig
//	KeyCamera      string ("" when unset)
//	KeyModel       *ModelRecord (nil when unset)
type Update struct {
	Key   Key
	Value any
}

// History carries readings from an append-only feed. Replay is set when the
// store resent the whole list, as it does on (re)subscribe.
type History struct {
	Readings []series.Reading
	Replay   bool
}

// Snapshot maps each metric to its latest value.
type Snapshot map[Metric]float64

// LightConfig is the grow light configuration.
type LightConfig struct {
	IntensityPercent int  `json:"intensity_percent"`
	Auto             bool `json:"auto"`
	On               bool `json:"on"`
}

// ModelStatus is the lifecycle state of the prediction model.
type ModelStatus string

const (
	ModelActive   ModelStatus = "active"
	ModelInactive ModelStatus = "inactive"
	ModelTraining ModelStatus = "training"
)

// ParseModelStatus validates a status a client may set.
func ParseModelStatus(s string) (ModelStatus, error) {
	switch ModelStatus(strings.ToLower(strings.TrimSpace(s))) {
	case ModelActive:
		return ModelActive, nil
	case ModelInactive:
		return ModelInactive, nil
	default:
		return "", fmt.Errorf("model status must be active or inactive, got %q", s)
	}
}

// Predictions are the model's latest outputs.
type Predictions struct {
	EstimatedHarvestDate string  `json:"estimatedHarvestDate"`
	FruitingReadiness    float64 `json:"fruitingReadiness"`
	HealthScore          float64 `json:"healthScore"`
}

// ModelRecord describes the deployed prediction model.
type ModelRecord struct {
	Name            string      `json:"name"`
	Version         string      `json:"version"`
	Status          ModelStatus `json:"status"`
	Accuracy        float64     `json:"accuracy"`
	Description     string      `json:"description"`
	LastTrainedDate string      `json:"lastTrainedDate"`
	Features        []string    `json:"features"`
	Predictions     Predictions `json:"predictions"`
}

// Clone returns a deep copy.
func (m *ModelRecord) Clone() *ModelRecord {
	if m == nil {
		return nil
	}
	c := *m
	c.Features = append([]string(nil), m.Features...)
	return &c
}

// Wire formats of the remote store.

type wireReading struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Value     *float64        `json:"value"`
}

type wirePosition struct {
	CurrentPlot int    `json:"currentPlot"`
	Status      string `json:"status"`
	LastAction  string `json:"lastAction"`
}

type wirePlot struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	LastVisited string `json:"lastVisited"`
}

type wireLight struct {
	Intensity float64 `json:"intensity"`
	IsAuto    bool    `json:"isAuto"`
	Status    string  `json:"status"`
}

const defaultLastAction = "System ready"

func isNull(data json.RawMessage) bool {
	s := strings.TrimSpace(string(data))
	return s == "" || s == "null"
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// parseTimestamp accepts epoch milliseconds or an RFC 3339 string.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, malformed("missing timestamp")
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, malformed("timestamp %s", raw)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(n).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, malformed("timestamp %q", s)
	}
	return t.UTC(), nil
}

func decodeReading(data json.RawMessage) (series.Reading, error) {
	var w wireReading
	if err := json.Unmarshal(data, &w); err != nil {
		return series.Reading{}, malformed("reading: %v", err)
	}
	if w.Value == nil {
		return series.Reading{}, malformed("reading without value")
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return series.Reading{}, err
	}
	return series.Reading{Timestamp: ts, Value: *w.Value}, nil
}

// decodeReadingList decodes a whole history list, given either as an array
// or as an object of push keys. Push keys sort in insertion order.
func decodeReadingList(data json.RawMessage) ([]series.Reading, error) {
	if isNull(data) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var byKey map[string]json.RawMessage
		if err := json.Unmarshal(data, &byKey); err != nil {
			return nil, malformed("history list: %v", err)
		}
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			items = append(items, byKey[k])
		}
	}

	readings := make([]series.Reading, 0, len(items))
	for _, item := range items {
		if isNull(item) {
			continue
		}
		r, err := decodeReading(item)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// decodeHistory interprets one raw event of a history feed.
func decodeHistory(ev remote.Event) (History, error) {
	segs := remote.Segments(ev.Path)
	switch {
	case len(segs) == 0 && ev.Kind == remote.EventPut:
		readings, err := decodeReadingList(ev.Data)
		return History{Readings: readings, Replay: true}, err

	case len(segs) == 0 && ev.Kind == remote.EventPatch:
		readings, err := decodeReadingList(ev.Data)
		return History{Readings: readings}, err

	case len(segs) == 1 && ev.Kind == remote.EventPut:
		if isNull(ev.Data) {
			// Deletions are not mirrored into the buffer.
			return History{}, nil
		}
		r, err := decodeReading(ev.Data)
		if err != nil {
			return History{}, err
		}
		return History{Readings: []series.Reading{r}}, nil

	default:
		return History{}, malformed("unexpected %s at %q in history feed", ev.Kind, ev.Path)
	}
}

// decodeDocument decodes the full mirrored value of a non-history key.
func decodeDocument(key Key, data json.RawMessage) (any, error) {
	switch key {
	case KeySnapshot:
		return decodeSnapshot(data)
	case KeyPosition:
		return decodePosition(data)
	case KeySlots:
		return decodeSlots(data)
	case KeyLight:
		return decodeLight(data)
	case KeyCamera:
		return decodeCamera(data)
	case KeyModel:
		return decodeModel(data)
	default:
		return nil, fmt.Errorf("no decoder for channel %q", key)
	}
}

func decodeSnapshot(data json.RawMessage) (Snapshot, error) {
	snap := make(Snapshot)
	if isNull(data) {
		return snap, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("snapshot: %v", err)
	}
	for _, m := range Metrics {
		v, ok := raw[string(m)]
		if !ok || isNull(v) {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return nil, malformed("snapshot %s: %v", m, err)
		}
		snap[m] = f
	}
	return snap, nil
}

func decodePosition(data json.RawMessage) (actuator.Position, error) {
	if isNull(data) {
		return actuator.Position{}, errEmpty
	}
	var w wirePosition
	if err := json.Unmarshal(data, &w); err != nil {
		return actuator.Position{}, malformed("position: %v", err)
	}
	phase, err := actuator.ParsePhase(w.Status)
	if err != nil {
		return actuator.Position{}, malformed("position: %v", err)
	}
	if w.LastAction == "" {
		w.LastAction = defaultLastAction
	}
	return actuator.Position{CurrentSlot: w.CurrentPlot, Phase: phase, LastAction: w.LastAction}, nil
}

func decodeSlots(data json.RawMessage) ([]actuator.Slot, error) {
	if isNull(data) {
		return []actuator.Slot{}, nil
	}
	var plots []*wirePlot
	if err := json.Unmarshal(data, &plots); err != nil {
		var byKey map[string]*wirePlot
		if err := json.Unmarshal(data, &byKey); err != nil {
			return nil, malformed("plots: %v", err)
		}
		for _, p := range byKey {
			plots = append(plots, p)
		}
	}

	slots := make([]actuator.Slot, 0, len(plots))
	for _, p := range plots {
		if p == nil {
			continue
		}
		if p.ID <= 0 {
			return nil, malformed("plot id %d", p.ID)
		}
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("Plot %d", p.ID)
		}
		slot := actuator.Slot{ID: p.ID, Label: label, Active: !strings.EqualFold(p.Status, "inactive")}
		if p.LastVisited != "" {
			if t, err := time.Parse(time.RFC3339Nano, p.LastVisited); err == nil {
				slot.LastVisited = t.UTC()
			}
		}
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })
	return slots, nil
}

func decodeLight(data json.RawMessage) (LightConfig, error) {
	if isNull(data) {
		return LightConfig{}, errEmpty
	}
	var w wireLight
	if err := json.Unmarshal(data, &w); err != nil {
		return LightConfig{}, malformed("light control: %v", err)
	}
	intensity := int(w.Intensity + 0.5)
	intensity = max(0, min(100, intensity))
	return LightConfig{
		IntensityPercent: intensity,
		Auto:             w.IsAuto,
		On:               strings.EqualFold(w.Status, "on"),
	}, nil
}

func decodeCamera(data json.RawMessage) (string, error) {
	if isNull(data) {
		return "", nil
	}
	var url string
	if err := json.Unmarshal(data, &url); err != nil {
		return "", malformed("camera url: %v", err)
	}
	return strings.TrimSpace(url), nil
}

func decodeModel(data json.RawMessage) (*ModelRecord, error) {
	if isNull(data) {
		return nil, nil
	}
	var rec ModelRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, malformed("model record: %v", err)
	}
	return &rec, nil
}

// LightStatus is the wire value of the light's on flag.
func LightStatus(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
