package retryq

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/mlutra/fieldgate/helpers"
	"github.com/mlutra/fieldgate/internal/metric"
	"github.com/mlutra/fieldgate/log2"
	tele_api "github.com/mlutra/fieldgate/tele"
)

var (
	ErrInvalidTopic   = errors.New("INVALID_TOPIC")
	ErrInvalidPayload = errors.New("INVALID_PAYLOAD")
	ErrQueueFull      = errors.New("FULL")
)

type Health int

const (
	HealthOK Health = iota // < 80% occupancy
	HealthWarning          // >= 80%
	HealthCritical         // >= 95%
	HealthFull             // 100%
)

func (h Health) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthWarning:
		return "warning"
	case HealthCritical:
		return "critical"
	case HealthFull:
		return "full"
	}
	return "invalid"
}

type Config struct {
	Dir        string
	Capacity   int           // global across all tiers, hard admission limit
	MaxPerPass int           // delivery attempts per process pass
	MaxRetries int           // per-message ceiling before FAILED
	Interval   time.Duration // process pass cadence
}

const (
	DefaultCapacity   = 1000
	DefaultMaxPerPass = 20
	DefaultMaxRetries = 10
	DefaultInterval   = 5 * time.Second
)

// Stats is a diagnostics snapshot.
type Stats struct {
	Depth    [tierCount]int
	Total    int
	Capacity int

	Enqueued uint64
	Sent     uint64
	Failed   uint64
	Expired  uint64
	Rejected uint64
}

type Queue struct {
	mu     sync.Mutex
	tiers  [tierCount][]*Message
	nextID uint64

	cfg     Config
	store   *store
	backoff *helpers.Backoff
	sink    tele_api.Sinker
	mtr     *metric.Set
	log     *log2.Log
	now     func() time.Time

	enqueued uint64
	sent     uint64
	failed   uint64
	expired  uint64
	rejected uint64
}

// Open loads all durable records back into the in-memory tiers before
// normal operation begins: a restart does not lose queued work.
func Open(cfg Config, sink tele_api.Sinker, backoff *helpers.Backoff, mtr *metric.Set, log *log2.Log) (*Queue, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxPerPass <= 0 {
		cfg.MaxPerPass = DefaultMaxPerPass
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if mtr == nil {
		mtr = metric.NewSet(nil)
	}
	st, err := newStore(cfg.Dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	q := &Queue{
		cfg:     cfg,
		store:   st,
		backoff: backoff,
		sink:    sink,
		mtr:     mtr,
		log:     log,
		now:     time.Now,
	}
	q.reload()
	return q, nil
}

func (q *Queue) reload() {
	msgs, errs := q.store.loadAll()
	for _, e := range errs {
		q.log.Errorf("retryq reload %v", e)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	q.mu.Lock()
	for _, m := range msgs {
		if m.Priority < PriorityHigh || m.Priority > PriorityLow {
			m.Priority = PriorityNormal
		}
		m.Status = StatusQueued
		q.tiers[m.Priority] = append(q.tiers[m.Priority], m)
		if m.ID >= q.nextID {
			q.nextID = m.ID + 1
		}
	}
	total := q.totalLocked()
	q.mu.Unlock()
	q.updateGauges()
	if total > 0 {
		q.log.Infof("retryq reloaded messages=%d", total)
	}
}

// Enqueue validates, admits against the global capacity and persists
// the durable record before reporting success.
func (q *Queue) Enqueue(topic string, payload []byte, prio Priority, timeout time.Duration) (uint64, error) {
	if topic == "" {
		return 0, ErrInvalidTopic
	}
	if len(payload) == 0 {
		return 0, ErrInvalidPayload
	}
	if prio < PriorityHigh || prio > PriorityLow {
		prio = PriorityNormal
	}

	q.mu.Lock()
	if q.totalLocked() >= q.cfg.Capacity {
		q.rejected++
		q.mu.Unlock()
		q.mtr.RetryDropped.Inc()
		return 0, ErrQueueFull
	}
	m := &Message{
		ID:        q.nextID,
		Topic:     topic,
		Payload:   payload,
		Priority:  prio,
		Status:    StatusQueued,
		EnqueueMs: q.now().UnixMilli(),
		TimeoutMs: int64(timeout / time.Millisecond),
	}
	q.nextID++
	q.tiers[prio] = append(q.tiers[prio], m)
	q.enqueued++
	q.mu.Unlock()

	if err := q.store.write(m); err != nil {
		// soft failure: in memory only, lost on restart
		q.log.Errorf("retryq persist %v", err)
	}
	q.mtr.RetryEnqueued.Inc()
	q.updateGauges()
	return m.ID, nil
}

// ProcessPass drops expired messages, then attempts delivery HIGH
// first, then NORMAL, then LOW, capped at MaxPerPass messages.
func (q *Queue) ProcessPass() {
	now := q.now()
	q.dropExpired(now)

	attempts := 0
	for tier := PriorityHigh; tier <= PriorityLow && attempts < q.cfg.MaxPerPass; tier++ {
		for attempts < q.cfg.MaxPerPass {
			m := q.takeReady(tier, now)
			if m == nil {
				break
			}
			attempts++
			q.deliver(m, now)
		}
	}
	q.updateGauges()
}

// Run is the processor loop. Call with a held alive.Add(1).
func (q *Queue) Run(a *alive.Alive) {
	defer a.Done()
	stopch := a.StopChan()
	for a.IsRunning() {
		select {
		case <-time.After(q.cfg.Interval):
			q.ProcessPass()
		case <-stopch:
			return
		}
	}
}

func (q *Queue) dropExpired(now time.Time) {
	var victims []*Message
	q.mu.Lock()
	for tier := range q.tiers {
		kept := q.tiers[tier][:0]
		for _, m := range q.tiers[tier] {
			if m.expired(now) {
				m.Status = StatusExpired
				victims = append(victims, m)
			} else {
				kept = append(kept, m)
			}
		}
		q.tiers[tier] = kept
	}
	q.expired += uint64(len(victims))
	q.mu.Unlock()

	for _, m := range victims {
		q.store.remove(m.ID)
		q.mtr.RetryExpired.Inc()
		q.log.Infof("retryq expired id=%d topic=%s age>%dms", m.ID, m.Topic, m.TimeoutMs)
	}
}

// takeReady pops the oldest message of the tier whose backoff deadline
// has elapsed. FIFO within a tier.
func (q *Queue) takeReady(tier Priority, now time.Time) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.tiers[tier] {
		if m.NextRetryAt.After(now) {
			continue
		}
		m.Status = StatusSending
		q.tiers[tier] = append(q.tiers[tier][:i], q.tiers[tier][i+1:]...)
		return m
	}
	return nil
}

func (q *Queue) deliver(m *Message, now time.Time) {
	if q.sink.Publish(m.Topic, m.Payload) {
		m.Status = StatusSent
		q.store.remove(m.ID)
		q.mu.Lock()
		q.sent++
		q.mu.Unlock()
		q.mtr.RetrySent.Inc()
		q.log.Debugf("retryq sent id=%d topic=%s", m.ID, m.Topic)
		return
	}

	m.RetryCount++
	if m.RetryCount >= q.cfg.MaxRetries {
		m.Status = StatusFailed
		q.store.remove(m.ID)
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		q.mtr.RetryFailed.Inc()
		q.log.Errorf("retryq failed id=%d topic=%s retries=%d", m.ID, m.Topic, m.RetryCount)
		return
	}

	m.Status = StatusQueued
	m.NextRetryAt = now.Add(q.backoff.Delay(m.RetryCount))
	m.Priority = m.Priority.demote()
	q.mu.Lock()
	q.tiers[m.Priority] = append(q.tiers[m.Priority], m)
	q.mu.Unlock()
	if err := q.store.write(m); err != nil {
		q.log.Errorf("retryq persist %v", err)
	}
}

// Prune drops every queued message and its durable record. Operator
// action.
func (q *Queue) Prune() int {
	q.mu.Lock()
	var victims []*Message
	for tier := range q.tiers {
		victims = append(victims, q.tiers[tier]...)
		q.tiers[tier] = nil
	}
	q.mu.Unlock()
	for _, m := range victims {
		q.store.remove(m.ID)
	}
	q.updateGauges()
	return len(victims)
}

// Health is derived purely from total-depth-to-capacity ratio and gates
// only diagnostics; admission is the hard reject at 100%.
func (q *Queue) Health() Health {
	q.mu.Lock()
	total := q.totalLocked()
	q.mu.Unlock()
	return healthOf(total, q.cfg.Capacity)
}

func healthOf(total, capacity int) Health {
	switch {
	case total >= capacity:
		return HealthFull
	case total*100 >= capacity*95:
		return HealthCritical
	case total*100 >= capacity*80:
		return HealthWarning
	}
	return HealthOK
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Capacity: q.cfg.Capacity,
		Enqueued: q.enqueued,
		Sent:     q.sent,
		Failed:   q.failed,
		Expired:  q.expired,
		Rejected: q.rejected,
	}
	for tier := range q.tiers {
		s.Depth[tier] = len(q.tiers[tier])
		s.Total += len(q.tiers[tier])
	}
	return s
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalLocked()
}

func (q *Queue) totalLocked() int {
	total := 0
	for tier := range q.tiers {
		total += len(q.tiers[tier])
	}
	return total
}

func (q *Queue) updateGauges() {
	q.mu.Lock()
	total := q.totalLocked()
	q.mu.Unlock()
	q.mtr.RetryDepth.Set(float64(total))
	q.mtr.RetryHealth.Set(float64(healthOf(total, q.cfg.Capacity)))
}
