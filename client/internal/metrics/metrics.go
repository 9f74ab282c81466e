package metrics

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/powfeed/powfeed/client/internal/intake"
	"github.com/powfeed/powfeed/client/internal/profile"
	"github.com/powfeed/powfeed/client/internal/store"
)

// Relay is the per-connection counter source.
type Relay interface {
	URL() string
	Malformed() int64
}

// Collector builds metric families from the running client.
type Collector struct {
	Notes    *intake.Pipeline
	Profiles *profile.Directory // optional
	Relays   *store.Store
	Conns    []Relay
}

// Families returns the current metric families sorted by name.
func (c *Collector) Families() []*dto.MetricFamily {
	st := c.Notes.Stats()
	intakeFam := family("powfeed_intake_total", "Candidates processed by the intake pipeline, by outcome.", dto.MetricType_COUNTER)
	for _, o := range []struct {
		outcome intake.Outcome
		n       int64
	}{
		{intake.Accepted, st.Accepted},
		{intake.Duplicate, st.Duplicate},
		{intake.WrongKind, st.WrongKind},
		{intake.MissingID, st.MissingID},
		{intake.InvalidID, st.InvalidID},
	} {
		intakeFam.Metric = append(intakeFam.Metric, counter(float64(o.n), "outcome", o.outcome.String()))
	}

	var maxPoW float64
	if top := c.Notes.Top(1); len(top) == 1 {
		maxPoW = float64(top[0].Score)
	}

	up := family("powfeed_relay_up", "Whether the relay connection is open.", dto.MetricType_GAUGE)
	events := family("powfeed_relay_events_total", "Events delivered by the relay.", dto.MetricType_COUNTER)
	for _, e := range c.Relays.List() {
		var v float64
		if e.State == store.StateOpen {
			v = 1
		}
		up.Metric = append(up.Metric, gauge(v, "relay", e.URL))
		events.Metric = append(events.Metric, counter(float64(e.Events), "relay", e.URL))
	}

	malformed := family("powfeed_relay_malformed_frames_total", "Frames dropped because they could not be decoded.", dto.MetricType_COUNTER)
	for _, r := range c.Conns {
		malformed.Metric = append(malformed.Metric, counter(float64(r.Malformed()), "relay", r.URL()))
	}

	fams := []*dto.MetricFamily{
		intakeFam,
		withValue(family("powfeed_working_set_notes", "Notes in the working set.", dto.MetricType_GAUGE), float64(c.Notes.Len())),
		withValue(family("powfeed_working_set_max_pow", "Highest proof-of-work score in the working set.", dto.MetricType_GAUGE), maxPoW),
		withValue(family("powfeed_relay_advisories", "Relay failures currently shown to the user.", dto.MetricType_GAUGE), float64(len(c.Relays.Advisories()))),
		up,
		events,
		malformed,
	}
	if c.Profiles != nil {
		fams = append(fams,
			withValue(family("powfeed_profiles_known", "Authors with known metadata.", dto.MetricType_GAUGE), float64(c.Profiles.Len())),
			withValue(family("powfeed_profiles_malformed_total", "Metadata events dropped as malformed.", dto.MetricType_COUNTER), float64(c.Profiles.Skipped())),
		)
	}
	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// ServeHTTP writes the families in the text exposition format.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	if err := Write(w, format, c.Families()); err != nil {
		slog.Warn("metrics: write exposition", "err", err)
	}
}

// Write encodes fams in format.
func Write(w io.Writer, format expfmt.Format, fams []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range fams {
		if len(mf.Metric) == 0 {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func family(name, help string, typ dto.MetricType) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
}

func withValue(mf *dto.MetricFamily, v float64) *dto.MetricFamily {
	if mf.GetType() == dto.MetricType_COUNTER {
		mf.Metric = []*dto.Metric{counter(v)}
	} else {
		mf.Metric = []*dto.Metric{gauge(v)}
	}
	return mf
}

func counter(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Counter: &dto.Counter{Value: proto.Float64(v)}}
}

func gauge(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}

// labelPairs turns name, value, name, value... into label pairs.
func labelPairs(kv []string) []*dto.LabelPair {
	out := make([]*dto.LabelPair, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
	}
	return out
}
