package publish

import (
	"time"

	"github.com/temoto/alive/v2"

	"github.com/mlutra/fieldgate/internal/queue"
	"github.com/mlutra/fieldgate/log2"
	tele_api "github.com/mlutra/fieldgate/tele"
)

// Live streams the single observed device's samples straight to the
// sink, bypassing batching and the retry queue. Diagnostics feature:
// a dropped live sample is not worth a durable record.
type Live struct {
	acq      *queue.Acquisition
	sink     tele_api.Sinker
	log      *log2.Log
	topic    string
	interval time.Duration
	drainMax int
}

func NewLive(acq *queue.Acquisition, sink tele_api.Sinker, topic string, interval time.Duration, log *log2.Log) *Live {
	if topic == "" {
		topic = "live"
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Live{
		acq:      acq,
		sink:     sink,
		log:      log,
		topic:    topic,
		interval: interval,
		drainMax: 64,
	}
}

// Select switches the observed device. Empty id turns the view off.
func (l *Live) Select(deviceID string) { l.acq.SelectLive(deviceID) }

// Run drains the live view on its own cadence. Call with a held
// alive.Add(1).
func (l *Live) Run(a *alive.Alive) {
	defer a.Done()
	stopch := a.StopChan()
	for a.IsRunning() {
		select {
		case <-time.After(l.interval):
			l.Pass()
		case <-stopch:
			return
		}
	}
}

func (l *Live) Pass() {
	samples := l.acq.DrainLive(l.drainMax)
	if len(samples) == 0 {
		return
	}
	payload, err := marshalPayload(samples, samples[len(samples)-1].At)
	if err != nil {
		l.log.Errorf("live marshal %v", err)
		return
	}
	if !l.sink.Publish(l.topic, payload) {
		l.log.Debugf("live publish topic=%s dropped samples=%d", l.topic, len(samples))
	}
}
