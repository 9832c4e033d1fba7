// Package publish drains the acquisition queue once device batches are
// complete and delivers grouped sample payloads to the telemetry sink,
// falling back to the durable retry queue when the sink refuses.
package publish

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/mlutra/fieldgate/internal/batch"
	"github.com/mlutra/fieldgate/internal/metric"
	"github.com/mlutra/fieldgate/internal/queue"
	"github.com/mlutra/fieldgate/internal/retryq"
	"github.com/mlutra/fieldgate/internal/types"
	"github.com/mlutra/fieldgate/log2"
	tele_api "github.com/mlutra/fieldgate/tele"
)

type Mode string

const (
	ModeBatched Mode = "batched" // one payload per pass on the sink topic
	ModeRouted  Mode = "routed"  // per-route topics with independent intervals
)

// Route maps a set of register ids to its own topic and cadence.
type Route struct {
	Topic     string
	Interval  time.Duration
	Registers []string
}

type Config struct {
	Mode         Mode
	Topic        string        // batched mode destination
	Interval     time.Duration // pass cadence
	MaxPerPass   int           // bounded dequeue per pass
	RetryTimeout time.Duration // expiry for payloads handed to the retry queue
	Routes       []Route
}

const (
	DefaultInterval     = time.Second
	DefaultMaxPerPass   = 256
	DefaultRetryTimeout = 24 * time.Hour
)

type route struct {
	topic    string
	interval time.Duration
	match    map[string]struct{}
	lastRun  time.Time
}

type Publisher struct {
	cfg    Config
	acq    *queue.Acquisition
	gate   *batch.Gate
	sink   tele_api.Sinker
	retry  *retryq.Queue
	mtr    *metric.Set
	log    *log2.Log
	now    func() time.Time
	routes []*route
}

func New(cfg Config, acq *queue.Acquisition, gate *batch.Gate, sink tele_api.Sinker, retry *retryq.Queue, mtr *metric.Set, log *log2.Log) (*Publisher, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeBatched
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxPerPass <= 0 {
		cfg.MaxPerPass = DefaultMaxPerPass
	}
	if cfg.RetryTimeout < DefaultRetryTimeout {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	if mtr == nil {
		mtr = metric.NewSet(nil)
	}
	p := &Publisher{
		cfg:   cfg,
		acq:   acq,
		gate:  gate,
		sink:  sink,
		retry: retry,
		mtr:   mtr,
		log:   log,
		now:   time.Now,
	}
	switch cfg.Mode {
	case ModeBatched:
		if cfg.Topic == "" {
			return nil, errors.NotValidf("publish mode=batched topic empty")
		}
	case ModeRouted:
		if len(cfg.Routes) == 0 {
			return nil, errors.NotValidf("publish mode=routed routes empty")
		}
		for _, rc := range cfg.Routes {
			if rc.Topic == "" || len(rc.Registers) == 0 {
				return nil, errors.NotValidf("publish route topic=%s", rc.Topic)
			}
			r := &route{
				topic:    rc.Topic,
				interval: rc.Interval,
				match:    make(map[string]struct{}, len(rc.Registers)),
			}
			if r.interval <= 0 {
				r.interval = cfg.Interval
			}
			for _, id := range rc.Registers {
				r.match[id] = struct{}{}
			}
			p.routes = append(p.routes, r)
		}
	default:
		return nil, errors.NotValidf("publish mode=%s", cfg.Mode)
	}
	return p, nil
}

// Run is the cadence loop. Call with a held alive.Add(1).
func (p *Publisher) Run(a *alive.Alive) {
	defer a.Done()
	stopch := a.StopChan()
	for a.IsRunning() {
		select {
		case <-time.After(p.cfg.Interval):
			p.PublishPass()
		case <-stopch:
			return
		}
	}
}

// PublishPass moves one bounded slice of queued samples to the sink.
// Only samples of devices whose current batch is complete are taken;
// a device mid-pass keeps its samples queued so a partial row is never
// emitted.
func (p *Publisher) PublishPass() {
	if p.acq.Len() == 0 {
		return
	}
	if !p.gate.HasAnyComplete() {
		return
	}

	now := p.now()
	due := p.dueRoutes(now)
	samples := p.acq.DequeueWhere(func(s types.Sample) bool {
		if !p.gate.IsComplete(s.DeviceID) {
			return false
		}
		if p.cfg.Mode == ModeRouted {
			return routedBy(due, s.RegisterID) != nil
		}
		return true
	}, p.cfg.MaxPerPass)
	if len(samples) == 0 {
		return
	}
	samples = dedupe(samples)

	for topic, part := range p.split(samples, due) {
		p.deliver(topic, part, now)
	}
}

// dueRoutes advances route clocks and returns the routes whose own
// interval elapsed this pass. Batched mode has no routes and returns
// nil.
func (p *Publisher) dueRoutes(now time.Time) []*route {
	var due []*route
	for _, r := range p.routes {
		if now.Sub(r.lastRun) >= r.interval {
			r.lastRun = now
			due = append(due, r)
		}
	}
	return due
}

func routedBy(due []*route, registerID string) *route {
	for _, r := range due {
		if _, ok := r.match[registerID]; ok {
			return r
		}
	}
	return nil
}

// split groups deduplicated samples per destination topic.
func (p *Publisher) split(samples []types.Sample, due []*route) map[string][]types.Sample {
	parts := make(map[string][]types.Sample)
	if p.cfg.Mode == ModeBatched {
		parts[p.cfg.Topic] = samples
		return parts
	}
	for _, s := range samples {
		if r := routedBy(due, s.RegisterID); r != nil {
			parts[r.topic] = append(parts[r.topic], s)
		}
	}
	return parts
}

func (p *Publisher) deliver(topic string, samples []types.Sample, now time.Time) {
	payload, err := marshalPayload(samples, now)
	if err != nil {
		p.log.Errorf("publish marshal topic=%s %v", topic, err)
		return
	}
	if p.sink.Publish(topic, payload) {
		p.mtr.PublishTotal.WithLabelValues("ok").Inc()
		for _, id := range deviceIDs(samples) {
			p.gate.Close(id)
		}
		p.log.Debugf("publish sent topic=%s samples=%d", topic, len(samples))
		return
	}

	p.mtr.PublishTotal.WithLabelValues("error").Inc()
	// batch stays open on purpose: the next delivery of this device
	// carries fresh polled values, the stale payload rides the retry
	// queue as-is
	if _, err := p.retry.Enqueue(topic, payload, retryq.PriorityNormal, p.cfg.RetryTimeout); err != nil {
		p.log.Errorf("publish topic=%s samples=%d dropped: %v", topic, len(samples), err)
		return
	}
	p.log.Infof("publish deferred topic=%s samples=%d", topic, len(samples))
}

// dedupe keeps only the latest sample per (device, register), in first
// occurrence order.
func dedupe(samples []types.Sample) []types.Sample {
	type key struct{ device, register string }
	index := make(map[key]int, len(samples))
	out := samples[:0]
	for _, s := range samples {
		k := key{s.DeviceID, s.RegisterID}
		if i, ok := index[k]; ok {
			out[i] = s
			continue
		}
		index[k] = len(out)
		out = append(out, s)
	}
	return out
}

func deviceIDs(samples []types.Sample) []string {
	seen := make(map[string]struct{}, len(samples))
	ids := make([]string, 0, len(samples))
	for _, s := range samples {
		if _, ok := seen[s.DeviceID]; !ok {
			seen[s.DeviceID] = struct{}{}
			ids = append(ids, s.DeviceID)
		}
	}
	return ids
}

type wireRegister struct {
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit,omitempty"`
	Description string  `json:"description,omitempty"`
}

type wireDevice struct {
	DeviceID   string         `json:"device_id"`
	DeviceName string         `json:"device_name,omitempty"`
	Registers  []wireRegister `json:"registers"`
}

type wirePayload struct {
	Ts      int64        `json:"ts"`
	Devices []wireDevice `json:"devices"`
}

func marshalPayload(samples []types.Sample, now time.Time) ([]byte, error) {
	byDevice := make(map[string]*wireDevice)
	order := make(map[string][]types.Sample)
	for _, s := range samples {
		if _, ok := byDevice[s.DeviceID]; !ok {
			byDevice[s.DeviceID] = &wireDevice{DeviceID: s.DeviceID, DeviceName: s.DeviceName}
		}
		order[s.DeviceID] = append(order[s.DeviceID], s)
	}
	w := wirePayload{Ts: now.UnixMilli()}
	ids := make([]string, 0, len(byDevice))
	for id := range byDevice {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := byDevice[id]
		ss := order[id]
		sort.SliceStable(ss, func(i, j int) bool { return ss[i].Position < ss[j].Position })
		for _, s := range ss {
			d.Registers = append(d.Registers, wireRegister{
				Name:        s.Name,
				Value:       s.Value,
				Unit:        s.Unit,
				Description: s.Description,
			})
		}
		w.Devices = append(w.Devices, *d)
	}
	b, err := json.Marshal(&w)
	return b, errors.Trace(err)
}
