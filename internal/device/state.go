package device

import (
	"maps"
	"time"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/series"
)

// Status reports whether the store has heard from the remote side yet.
type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusEmpty
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Aspect names one independently updated part of the device state. Pending
// commands and change notifications are keyed by aspect.
type Aspect string

const (
	AspectSnapshot Aspect = "snapshot"
	AspectActuator Aspect = "actuator"
	AspectSlots    Aspect = "slots"
	AspectLight    Aspect = "light"
	AspectCamera   Aspect = "camera"
	AspectModel    Aspect = "model"
)

// SeriesAspect is the history of metric m.
func SeriesAspect(m channel.Metric) Aspect { return Aspect("series:" + string(m)) }

// ReadingAspect is the on-demand read of metric m.
func ReadingAspect(m channel.Metric) Aspect { return Aspect("reading:" + string(m)) }

// State is everything the store knows. It is only mutated on the update
// goroutine; Submit hands out a pointer to it there.
type State struct {
	Series    map[channel.Metric]*series.Buffer
	Snapshot  channel.Snapshot
	Position  actuator.Position
	Slots     []actuator.Slot
	Light     channel.LightConfig
	CameraURL string
	Model     *channel.ModelRecord
	// Reading marks metrics with an on-demand read in progress.
	Reading map[channel.Metric]bool
}

func newState(capacity int, slots []actuator.Slot, home int) State {
	st := State{
		Series:   make(map[channel.Metric]*series.Buffer, len(channel.Metrics)),
		Snapshot: make(channel.Snapshot),
		Position: actuator.Position{CurrentSlot: home, Phase: actuator.PhaseIdle, LastAction: "Waiting for data..."},
		Slots:    append([]actuator.Slot(nil), slots...),
		Reading:  make(map[channel.Metric]bool),
	}
	for _, m := range channel.Metrics {
		st.Series[m] = series.NewBuffer(capacity)
	}
	return st
}

// VisitSlot stamps the slot the actuator just reached.
func (st *State) VisitSlot(id int, at time.Time) {
	for i := range st.Slots {
		if st.Slots[i].ID == id {
			st.Slots[i].LastVisited = at
			return
		}
	}
}

// View is a point-in-time copy of the whole state.
type View struct {
	Status    Status                              `json:"status"`
	Snapshot  channel.Snapshot                    `json:"snapshot"`
	Latest    map[channel.Metric]series.Reading   `json:"latest"`
	Chart     map[channel.Metric][]series.Reading `json:"chart"`
	Position  actuator.Position                   `json:"position"`
	Slots     []actuator.Slot                     `json:"slots"`
	Light     channel.LightConfig                 `json:"light"`
	CameraURL string                              `json:"camera_url"`
	Model     *channel.ModelRecord                `json:"model"`
	Reading   map[channel.Metric]bool             `json:"reading"`
}

func (st *State) view(status Status, chartPoints int) View {
	v := View{
		Status:    status,
		Snapshot:  maps.Clone(st.Snapshot),
		Latest:    make(map[channel.Metric]series.Reading, len(st.Series)),
		Position:  st.Position,
		Slots:     append([]actuator.Slot(nil), st.Slots...),
		Light:     st.Light,
		CameraURL: st.CameraURL,
		Model:     st.Model.Clone(),
		Reading:   maps.Clone(st.Reading),
		Chart:     make(map[channel.Metric][]series.Reading, len(st.Series)),
	}
	for m, buf := range st.Series {
		if r, ok := buf.Latest(); ok {
			v.Latest[m] = r
		}
		v.Chart[m] = buf.Downsample(chartPoints)
	}
	return v
}
