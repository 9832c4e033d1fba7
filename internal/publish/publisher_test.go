package publish

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlutra/fieldgate/helpers"
	"github.com/mlutra/fieldgate/internal/batch"
	"github.com/mlutra/fieldgate/internal/metric"
	"github.com/mlutra/fieldgate/internal/queue"
	"github.com/mlutra/fieldgate/internal/retryq"
	"github.com/mlutra/fieldgate/internal/types"
	"github.com/mlutra/fieldgate/log2"
)

type fakeSink struct {
	mu       sync.Mutex
	ok       bool
	payloads map[string][][]byte
}

func newFakeSink(ok bool) *fakeSink {
	return &fakeSink{ok: ok, payloads: make(map[string][][]byte)}
}

func (f *fakeSink) Publish(topic string, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[topic] = append(f.payloads[topic], payload)
	return f.ok
}

func (f *fakeSink) Close() {}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, pp := range f.payloads {
		n += len(pp)
	}
	return n
}

func (f *fakeSink) last(topic string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	pp := f.payloads[topic]
	if len(pp) == 0 {
		return nil
	}
	return pp[len(pp)-1]
}

type fixture struct {
	acq   *queue.Acquisition
	gate  *batch.Gate
	sink  *fakeSink
	retry *retryq.Queue
	pub   *Publisher
}

func newFixture(t testing.TB, cfg Config, sink *fakeSink, rqCfg retryq.Config) *fixture {
	log := log2.NewTest(t, log2.LDebug)
	if rqCfg.Dir == "" {
		rqCfg.Dir = t.TempDir()
	}
	b := &helpers.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond}
	b.SeedRand(7)
	rq, err := retryq.Open(rqCfg, sink, b, metric.NewTestSet(), log)
	require.NoError(t, err)

	f := &fixture{
		acq:   queue.NewAcquisition(100, 10, nil),
		gate:  batch.NewGate(),
		sink:  sink,
		retry: rq,
	}
	f.pub, err = New(cfg, f.acq, f.gate, sink, rq, metric.NewTestSet(), log)
	require.NoError(t, err)
	return f
}

func sample(deviceID, registerID string, value float64, pos int) types.Sample {
	return types.Sample{
		DeviceID:   deviceID,
		DeviceName: deviceID + "-name",
		RegisterID: registerID,
		Name:       registerID,
		Value:      value,
		Unit:       "u",
		At:         time.Now(),
		Position:   pos,
	}
}

// completePass simulates one full poll pass for a device: opens the
// batch, pushes the given samples and records failed read attempts for
// failed more registers.
func (f *fixture) completePass(samples []types.Sample, failed int) {
	if len(samples) == 0 {
		return
	}
	deviceID := samples[0].DeviceID
	f.gate.Open(deviceID, len(samples)+failed)
	for _, s := range samples {
		f.acq.Push(s)
		f.gate.RecordAttempt(deviceID, true)
	}
	for i := 0; i < failed; i++ {
		f.gate.RecordAttempt(deviceID, false)
	}
}

func TestBatchedSingleDevice(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(true)
	f := newFixture(t, Config{Mode: ModeBatched, Topic: "gw/data"}, sink, retryq.Config{})
	f.completePass([]types.Sample{
		sample("d1", "r1", 1.5, 0),
		sample("d1", "r2", 2.5, 1),
	}, 0)

	f.pub.PublishPass()

	require.Equal(t, 1, sink.count())
	var w wirePayload
	require.NoError(t, json.Unmarshal(sink.last("gw/data"), &w))
	require.Len(t, w.Devices, 1)
	assert.Equal(t, "d1", w.Devices[0].DeviceID)
	assert.Equal(t, "d1-name", w.Devices[0].DeviceName)
	require.Len(t, w.Devices[0].Registers, 2)
	assert.Equal(t, "r1", w.Devices[0].Registers[0].Name)
	assert.Equal(t, 1.5, w.Devices[0].Registers[0].Value)

	assert.Zero(t, f.acq.Len())
	assert.False(t, f.gate.HasAnyComplete(), "delivered batch is closed")
}

func TestSkipsWhileQueueEmptyOrBatchOpen(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(true)
	f := newFixture(t, Config{Mode: ModeBatched, Topic: "gw/data"}, sink, retryq.Config{})

	f.pub.PublishPass()
	assert.Zero(t, sink.count(), "empty queue publishes nothing")

	// pass in flight: one of two registers read so far
	f.gate.Open("d1", 2)
	f.acq.Push(sample("d1", "r1", 1, 0))
	f.gate.RecordAttempt("d1", true)

	f.pub.PublishPass()
	assert.Zero(t, sink.count(), "open batch holds its samples back")
	assert.Equal(t, 1, f.acq.Len())
}

func TestIncompleteDeviceHeldBack(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(true)
	f := newFixture(t, Config{Mode: ModeBatched, Topic: "gw/data"}, sink, retryq.Config{})
	f.completePass([]types.Sample{sample("d1", "r1", 1, 0)}, 0)
	f.gate.Open("d2", 2)
	f.acq.Push(sample("d2", "r1", 9, 0))
	f.gate.RecordAttempt("d2", true)

	f.pub.PublishPass()

	var w wirePayload
	require.NoError(t, json.Unmarshal(sink.last("gw/data"), &w))
	require.Len(t, w.Devices, 1)
	assert.Equal(t, "d1", w.Devices[0].DeviceID)
	assert.Equal(t, 1, f.acq.Len(), "mid-pass device keeps its samples queued")
}

func TestDedupKeepsLatestValue(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(true)
	f := newFixture(t, Config{Mode: ModeBatched, Topic: "gw/data"}, sink, retryq.Config{})
	f.completePass([]types.Sample{sample("d1", "r1", 1, 0)}, 0)
	// second pass before the publisher woke up
	f.completePass([]types.Sample{sample("d1", "r1", 2, 0)}, 0)

	f.pub.PublishPass()

	var w wirePayload
	require.NoError(t, json.Unmarshal(sink.last("gw/data"), &w))
	require.Len(t, w.Devices, 1)
	require.Len(t, w.Devices[0].Registers, 1)
	assert.Equal(t, 2.0, w.Devices[0].Registers[0].Value)
}

// One register fails on the first pass, succeeds on the second. The
// published payload then carries all three registers, not two.
func TestRecoveredRegisterPublishesFullRow(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(true)
	f := newFixture(t, Config{Mode: ModeBatched, Topic: "gw/data"}, sink, retryq.Config{})

	// pass 1: r2 read failed
	f.completePass([]types.Sample{
		sample("d1", "r1", 1, 0),
		sample("d1", "r3", 3, 2),
	}, 1)
	// pass 2: all three succeed
	f.completePass([]types.Sample{
		sample("d1", "r1", 1, 0),
		sample("d1", "r2", 2, 1),
		sample("d1", "r3", 3, 2),
	}, 0)
	st, ok := f.gate.Snapshot("d1")
	require.True(t, ok)
	assert.Equal(t, 3, st.Success)
	assert.Zero(t, st.Failure)

	f.pub.PublishPass()

	require.Equal(t, 1, sink.count())
	var w wirePayload
	require.NoError(t, json.Unmarshal(sink.last("gw/data"), &w))
	require.Len(t, w.Devices, 1)
	require.Len(t, w.Devices[0].Registers, 3)
	assert.Equal(t, "r1", w.Devices[0].Registers[0].Name)
	assert.Equal(t, "r2", w.Devices[0].Registers[1].Name)
	assert.Equal(t, "r3", w.Devices[0].Registers[2].Name)
}

func TestFailureDefersToRetryQueue(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(false)
	f := newFixture(t, Config{Mode: ModeBatched, Topic: "gw/data"}, sink, retryq.Config{})
	f.completePass([]types.Sample{sample("d1", "r1", 1, 0)}, 0)

	f.pub.PublishPass()

	assert.Equal(t, 1, f.retry.Len())
	assert.True(t, f.gate.HasAnyComplete(), "batch stays open after a failed delivery")
	assert.Zero(t, f.acq.Len(), "samples are consumed either way")
}

// With a sink that never accepts, the deferred payload exhausts its
// retry ceiling and is counted failed exactly once.
func TestUndeliverablePayloadEventuallyFails(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(false)
	f := newFixture(t, Config{Mode: ModeBatched, Topic: "gw/data"}, sink,
		retryq.Config{MaxRetries: 3, MaxPerPass: 10})
	f.completePass([]types.Sample{sample("d1", "r1", 1, 0)}, 0)

	f.pub.PublishPass()
	require.Equal(t, 1, f.retry.Len())

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		f.retry.ProcessPass()
	}

	s := f.retry.Stats()
	assert.Zero(t, s.Total)
	assert.Equal(t, uint64(1), s.Failed)
}

func TestRetryQueueFullDropsPayload(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(false)
	f := newFixture(t, Config{Mode: ModeBatched, Topic: "gw/data"}, sink,
		retryq.Config{Capacity: 1})
	_, err := f.retry.Enqueue("filler", []byte("x"), retryq.PriorityLow, time.Hour)
	require.NoError(t, err)

	f.completePass([]types.Sample{sample("d1", "r1", 1, 0)}, 0)
	f.pub.PublishPass()

	assert.Equal(t, 1, f.retry.Len(), "full retry queue rejects the payload")
	assert.Equal(t, uint64(1), f.retry.Stats().Rejected)
}

func TestRoutedSplitsByRegister(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(true)
	cfg := Config{
		Mode: ModeRouted,
		Routes: []Route{
			{Topic: "gw/power", Registers: []string{"p1"}},
			{Topic: "gw/temp", Registers: []string{"t1"}},
		},
	}
	f := newFixture(t, cfg, sink, retryq.Config{})
	f.completePass([]types.Sample{
		sample("d1", "p1", 230, 0),
		sample("d1", "t1", 21, 1),
		sample("d1", "x1", 0, 2), // not routed anywhere
	}, 0)

	f.pub.PublishPass()

	assert.NotNil(t, sink.last("gw/power"))
	assert.NotNil(t, sink.last("gw/temp"))
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, 1, f.acq.Len(), "unrouted register stays queued")
}

func TestRoutedIndependentIntervals(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(true)
	cfg := Config{
		Mode:     ModeRouted,
		Interval: time.Second,
		Routes: []Route{
			{Topic: "gw/fast", Registers: []string{"f1"}, Interval: time.Second},
			{Topic: "gw/slow", Registers: []string{"s1"}, Interval: time.Hour},
		},
	}
	f := newFixture(t, cfg, sink, retryq.Config{})
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f.pub.now = func() time.Time { return now }

	f.completePass([]types.Sample{
		sample("d1", "f1", 1, 0),
		sample("d1", "s1", 2, 1),
	}, 0)
	f.pub.PublishPass()
	assert.Equal(t, 2, sink.count(), "first pass delivers both routes")

	now = now.Add(2 * time.Second)
	f.completePass([]types.Sample{
		sample("d1", "f1", 3, 0),
		sample("d1", "s1", 4, 1),
	}, 0)
	f.pub.PublishPass()

	assert.Len(t, sink.payloads["gw/fast"], 2)
	assert.Len(t, sink.payloads["gw/slow"], 1, "slow route not due yet")
	assert.Equal(t, 1, f.acq.Len(), "slow route sample waits for its interval")
}

func TestLivePassStreamsSelectedDevice(t *testing.T) {
	t.Parallel()

	sink := newFakeSink(true)
	acq := queue.NewAcquisition(100, 10, nil)
	l := NewLive(acq, sink, "live", time.Second, log2.NewTest(t, log2.LDebug))

	l.Select("d2")
	acq.Push(sample("d1", "r1", 1, 0))
	acq.Push(sample("d2", "r1", 2, 0))
	acq.Push(sample("d2", "r2", 3, 1))

	l.Pass()

	require.Equal(t, 1, sink.count())
	var w wirePayload
	require.NoError(t, json.Unmarshal(sink.last("live"), &w))
	require.Len(t, w.Devices, 1)
	assert.Equal(t, "d2", w.Devices[0].DeviceID)
	assert.Len(t, w.Devices[0].Registers, 2)

	l.Pass()
	assert.Equal(t, 1, sink.count(), "empty live view publishes nothing")
	assert.Equal(t, 3, acq.Len(), "bulk queue is untouched")
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"batched-no-topic", Config{Mode: ModeBatched}},
		{"routed-no-routes", Config{Mode: ModeRouted}},
		{"routed-empty-route", Config{Mode: ModeRouted, Routes: []Route{{Topic: "t"}}}},
		{"unknown-mode", Config{Mode: Mode("stream")}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.cfg, nil, nil, nil, nil, metric.NewTestSet(), log2.NewTest(t, log2.LError))
			assert.Error(t, err)
		})
	}
}
