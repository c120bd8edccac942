package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amcp-go/amcp"
	"github.com/amcp-go/amcp/topic"
	"github.com/google/uuid"
)

// queuedItem is one event sitting in a subscription's delivery queue.
// Grounded on modules/eventbus/memory.go's per-subscription channel,
// widened from a plain channel to a slice-backed priority queue so
// priority can jump the line without breaking per-key ordering.
type queuedItem struct {
	event     amcp.Event
	seq       uint64
	effective amcp.DeliveryOptions
	retry     *retryState
}

func keyOf(e amcp.Event) string {
	return e.Source() + "|" + e.Subject()
}

// DeliveryFailedTopic is the system announcement published alongside
// every dead-letter entry once reliable redelivery is exhausted (spec
// §7, §8 scenario S2).
const DeliveryFailedTopic = "delivery.failed"

// subscription is one registered handler. Each subscription owns a
// dedicated dispatch goroutine so handlers of different subscriptions
// never block one another; delivery order within a subscription is
// governed by selectNext.
type subscription struct {
	id      string
	pattern string
	handler Handler
	agentID amcp.AgentID

	hasDefaults bool
	defaults    amcp.DeliveryOptions

	mu       sync.Mutex
	items    []*queuedItem
	keyHead  map[string]uint64 // ordered streams only: oldest unresolved seq per (source,subject)
	closed   bool
	notifyC  chan struct{}
}

func (s *subscription) ordered() bool {
	return s.hasDefaults && s.defaults.Ordered
}

func (s *subscription) signal() {
	select {
	case s.notifyC <- struct{}{}:
	default:
	}
}

// MemoryBroker is the in-process reference Broker implementation (spec
// §6: "the in-process transport is the reference implementation").
type MemoryBroker struct {
	cfg    amcp.Config
	logger amcp.Logger

	index *topic.Index

	mu          sync.RWMutex
	subs        map[string]*subscription
	subsByAgent map[string]map[string]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	seq atomic.Uint64

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	dlq       atomic.Int64
	retries   atomic.Int64

	topicMu sync.Mutex
	perTopic map[string]*TopicMetrics
}

// NewMemoryBroker constructs a MemoryBroker. Call Start before
// publishing or subscribing.
func NewMemoryBroker(cfg amcp.Config, logger amcp.Logger) *MemoryBroker {
	if logger == nil {
		logger = amcp.NopLogger{}
	}
	return &MemoryBroker{
		cfg:         cfg,
		logger:      logger,
		index:       topic.NewIndex(),
		subs:        make(map[string]*subscription),
		subsByAgent: make(map[string]map[string]struct{}),
		perTopic:    make(map[string]*TopicMetrics),
	}
}

func (b *MemoryBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	return nil
}

func (b *MemoryBroker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.cancel
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.signal()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	drain := b.cfg.BrokerDrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}
	timer := time.NewTimer(drain)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
	}
	return nil
}

func (b *MemoryBroker) requireStarted() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.started {
		return amcp.NewError(amcp.KindBrokerUnavailable, ErrNotStarted.Error(), ErrNotStarted)
	}
	return nil
}

// Publish is the external entry point; it rejects events addressed to a
// reserved topic namespace (spec §6). Core subsystems that legitimately
// publish into those namespaces use PublishSystem instead.
func (b *MemoryBroker) Publish(ctx context.Context, event amcp.Event) error {
	if IsReservedTopic(event.Topic()) {
		return amcp.NewError(amcp.KindSecurityDenied, ErrReservedTopic.Error(), ErrReservedTopic)
	}
	return b.publish(ctx, event)
}

// PublishSystem publishes into any topic, including reserved
// namespaces. It is for use by the lifecycle, capability, and
// orchestrator packages emitting their own system.**/registry.**/
// task.** announcements.
func (b *MemoryBroker) PublishSystem(ctx context.Context, event amcp.Event) error {
	return b.publish(ctx, event)
}

func (b *MemoryBroker) PublishCloudEvent(ctx context.Context, ce amcp.CloudEvent) error {
	event, err := amcp.FromCloudEvent(ce)
	if err != nil {
		return err
	}
	return b.Publish(ctx, event)
}

func (b *MemoryBroker) publish(ctx context.Context, event amcp.Event) error {
	if err := b.requireStarted(); err != nil {
		return err
	}

	b.published.Add(1)
	b.bumpTopic(event.Topic(), func(m *TopicMetrics) { m.Published++ })

	refs := b.index.FindMatching(event.Topic())
	if len(refs) == 0 {
		return nil
	}

	seq := b.seq.Add(1)
	for _, ref := range refs {
		sub, ok := ref.(*subscription)
		if !ok {
			continue
		}
		effective := resolveOptions(event, sub, b.cfg.DefaultDelivery)
		if err := b.enqueue(ctx, sub, event, seq, effective); err != nil {
			return err
		}
	}
	return nil
}

func resolveOptions(event amcp.Event, sub *subscription, brokerDefault amcp.DeliveryOptions) amcp.DeliveryOptions {
	effective := brokerDefault
	if sub.hasDefaults {
		effective = sub.defaults
	}
	if event.HasExplicitDeliveryOptions() {
		opts := event.DeliveryOptions()
		opts.Ordered = effective.Ordered // Ordered is a subscription property, not per-event.
		effective = opts
	}
	return effective
}

func (b *MemoryBroker) enqueue(ctx context.Context, sub *subscription, event amcp.Event, seq uint64, effective amcp.DeliveryOptions) error {
	item := &queuedItem{event: event, seq: seq, effective: effective}
	bound := b.cfg.QueueBound
	if bound <= 0 {
		bound = 10_000
	}

	deadline := time.Now().Add(b.cfg.PublishTimeout)
	for {
		sub.mu.Lock()
		if len(sub.items) < bound {
			sub.items = append(sub.items, item)
			if effective.Ordered {
				if sub.keyHead == nil {
					sub.keyHead = make(map[string]uint64)
				}
				key := keyOf(event)
				if _, exists := sub.keyHead[key]; !exists {
					sub.keyHead[key] = seq
				}
			}
			sub.mu.Unlock()
			sub.signal()
			return nil
		}

		if !effective.Reliable {
			// Drop-oldest-non-reliable (spec §5).
			if idx := indexOfOldest(sub.items); idx >= 0 {
				dropped := sub.items[idx]
				sub.items = append(sub.items[:idx], sub.items[idx+1:]...)
				sub.mu.Unlock()
				b.recordDropped(dropped.event)
			} else {
				sub.mu.Unlock()
			}
			continue
		}

		sub.mu.Unlock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return amcp.NewError(amcp.KindBackpressureError, fmt.Sprintf("queue full for subscription %s", sub.id), nil)
		}
		select {
		case <-sub.notifyC:
		case <-time.After(remaining):
		case <-ctx.Done():
			return amcp.NewError(amcp.KindCancelled, "publish cancelled waiting for queue space", ctx.Err())
		}
	}
}

func indexOfOldest(items []*queuedItem) int {
	if len(items) == 0 {
		return -1
	}
	idx := 0
	for i, it := range items {
		if it.seq < items[idx].seq {
			idx = i
		}
	}
	return idx
}

func (b *MemoryBroker) Subscribe(pattern string, handler Handler, agentID amcp.AgentID, opts ...SubscribeOption) (Handle, error) {
	if err := b.requireStarted(); err != nil {
		return Handle{}, err
	}
	if pattern == "" {
		return Handle{}, ErrPatternEmpty
	}
	if handler == nil {
		return Handle{}, ErrHandlerNil
	}
	matcher, err := topic.Compile(pattern)
	if err != nil {
		return Handle{}, amcp.NewError(amcp.KindValidationError, err.Error(), err)
	}

	cfg := subscribeConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	id, err := uuid.NewV7()
	idStr := id.String()
	if err != nil {
		idStr = uuid.New().String()
	}

	sub := &subscription{
		id:          idStr,
		pattern:     pattern,
		handler:     handler,
		agentID:     agentID,
		hasDefaults: cfg.hasDefaults,
		defaults:    cfg.defaults,
		notifyC:     make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.subs[idStr] = sub
	if _, ok := b.subsByAgent[agentID.String()]; !ok {
		b.subsByAgent[agentID.String()] = make(map[string]struct{})
	}
	b.subsByAgent[agentID.String()][idStr] = struct{}{}
	brokerCtx := b.ctx
	b.mu.Unlock()

	b.index.Add(idStr, matcher, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run(brokerCtx, b)
	}()

	return Handle{id: idStr}, nil
}

func (b *MemoryBroker) SubscribeToCloudEvents(pattern string, handler func(ctx context.Context, ce amcp.CloudEvent) error, agentID amcp.AgentID, opts ...SubscribeOption) (Handle, error) {
	wrapped := func(ctx context.Context, event amcp.Event) error {
		ce, err := amcp.ToCloudEvent(event)
		if err != nil {
			return err
		}
		return handler(ctx, ce)
	}
	return b.Subscribe(pattern, wrapped, agentID, opts...)
}

func (b *MemoryBroker) Unsubscribe(handle Handle) error {
	b.mu.Lock()
	sub, ok := b.subs[handle.id]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(b.subs, handle.id)
	if set, ok := b.subsByAgent[sub.agentID.String()]; ok {
		delete(set, handle.id)
		if len(set) == 0 {
			delete(b.subsByAgent, sub.agentID.String())
		}
	}
	b.mu.Unlock()

	b.index.Remove(handle.id)

	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	sub.signal()
	return nil
}

func (b *MemoryBroker) UnsubscribeAll(agentID amcp.AgentID) error {
	b.mu.RLock()
	ids := make([]string, 0, len(b.subsByAgent[agentID.String()]))
	for id := range b.subsByAgent[agentID.String()] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		if err := b.Unsubscribe(Handle{id: id}); err != nil && err != ErrUnknownHandle {
			return err
		}
	}
	return nil
}

func (b *MemoryBroker) Metrics() Metrics {
	b.topicMu.Lock()
	perTopic := make(map[string]TopicMetrics, len(b.perTopic))
	for k, v := range b.perTopic {
		perTopic[k] = *v
	}
	b.topicMu.Unlock()

	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		DLQCount:  b.dlq.Load(),
		Retries:   b.retries.Load(),
		PerTopic:  perTopic,
	}
}

func (b *MemoryBroker) bumpTopic(t string, f func(*TopicMetrics)) {
	b.topicMu.Lock()
	defer b.topicMu.Unlock()
	m, ok := b.perTopic[t]
	if !ok {
		m = &TopicMetrics{}
		b.perTopic[t] = m
	}
	f(m)
}

func (b *MemoryBroker) recordDelivered(event amcp.Event) {
	b.delivered.Add(1)
	b.bumpTopic(event.Topic(), func(m *TopicMetrics) { m.Delivered++ })
}

func (b *MemoryBroker) recordDropped(event amcp.Event) {
	b.dropped.Add(1)
	b.bumpTopic(event.Topic(), func(m *TopicMetrics) { m.Dropped++ })
}

func (b *MemoryBroker) recordDLQ(event amcp.Event) {
	b.dlq.Add(1)
	b.bumpTopic(event.Topic(), func(m *TopicMetrics) { m.DLQCount++ })
}

// run is the subscription's dispatch loop: pick the highest-priority
// ready item (respecting per-key ordering when the subscription is
// ordered), hand it to the handler, then loop.
func (s *subscription) run(ctx context.Context, b *MemoryBroker) {
	for {
		s.mu.Lock()
		idx := selectNext(s.items, s.keyHead, s.ordered())
		if idx < 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.notifyC:
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		item := s.items[idx]
		s.items = append(s.items[:idx], s.items[idx+1:]...)
		s.mu.Unlock()
		s.signal() // wake any producer waiting for queue space

		if item.event.IsExpired(time.Now()) {
			b.recordDropped(item.event)
			s.resolve(item)
			continue
		}
		b.dispatch(ctx, s, item)
	}
}

// resolve advances the subscription's ordering watermark for item's key
// once item will never be retried again (success, terminal best-effort
// failure, TTL drop, or DLQ).
func (s *subscription) resolve(item *queuedItem) {
	if !item.effective.Ordered {
		return
	}
	key := keyOf(item.event)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyHead == nil || s.keyHead[key] != item.seq {
		return
	}
	next, ok := minSeqForKey(s.items, key)
	if ok {
		s.keyHead[key] = next
	} else {
		delete(s.keyHead, key)
	}
}

func minSeqForKey(items []*queuedItem, key string) (uint64, bool) {
	found := false
	var min uint64
	for _, it := range items {
		if keyOf(it.event) != key {
			continue
		}
		if !found || it.seq < min {
			min = it.seq
			found = true
		}
	}
	return min, found
}

// selectNext picks the index of the best candidate in items: highest
// priority first, ties broken by lowest sequence number, restricted to
// the oldest unresolved item per key when ordered is true. Returns -1
// when nothing is eligible.
func selectNext(items []*queuedItem, keyHead map[string]uint64, ordered bool) int {
	best := -1
	for i, it := range items {
		if ordered {
			if head, ok := keyHead[keyOf(it.event)]; ok && head != it.seq {
				continue
			}
		}
		if best < 0 {
			best = i
			continue
		}
		if it.effective.Priority > items[best].effective.Priority {
			best = i
		} else if it.effective.Priority == items[best].effective.Priority && it.seq < items[best].seq {
			best = i
		}
	}
	return best
}

func (b *MemoryBroker) dispatch(ctx context.Context, s *subscription, item *queuedItem) {
	callCtx, cancel := context.WithTimeout(ctx, b.callbackTimeout())
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- safeCall(s.handler, callCtx, item.event)
	}()

	var err error
	select {
	case err = <-resultCh:
	case <-callCtx.Done():
		err = amcp.NewError(amcp.KindTimeoutError, "handler exceeded callback timeout", callCtx.Err())
	}

	if err == nil {
		b.recordDelivered(item.event)
		s.resolve(item)
		return
	}

	if !item.effective.Reliable {
		b.logger.Warn("handler failed, best-effort delivery not retried", "topic", item.event.Topic(), "error", err)
		b.recordDropped(item.event)
		s.resolve(item)
		return
	}

	if item.retry == nil {
		item.retry = newRetryState(b.cfg)
	}
	delay, ok := item.retry.next()
	if !ok {
		b.logger.Error("reliable delivery exhausted retries, routing to dead-letter", "topic", item.event.Topic(), "error", err)
		b.sendToDLQ(ctx, item, err)
		s.resolve(item)
		return
	}

	b.retries.Add(1)
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		closed := s.closed
		if !closed {
			s.items = append(s.items, item)
		}
		s.mu.Unlock()
		if closed {
			s.resolve(item)
			return
		}
		s.signal()
	})
}

func (b *MemoryBroker) callbackTimeout() time.Duration {
	if b.cfg.CallbackTimeout > 0 {
		return b.cfg.CallbackTimeout
	}
	return 30 * time.Second
}

func (b *MemoryBroker) sendToDLQ(ctx context.Context, item *queuedItem, cause error) {
	dlqTopic := DLQPrefix + item.event.Topic()
	builder := amcp.NewBuilder(dlqTopic).
		WithSource(item.event.Source()).
		WithCorrelationID(item.event.CorrelationID()).
		WithDeliveryOptions(amcp.DeliveryOptions{Priority: item.effective.Priority})

	if item.event.Data().Structured != nil {
		builder = builder.WithData(item.event.Data().Structured)
	} else {
		builder = builder.WithBytes(item.event.DataContentType(), item.event.Data().Bytes)
	}
	if cause != nil {
		builder = builder.WithMetadata("dlq-reason", cause.Error())
	}

	dlqEvent, err := builder.Build()
	if err != nil {
		b.logger.Error("failed building dead-letter event", "topic", item.event.Topic(), "error", err)
		return
	}
	b.recordDLQ(item.event)
	if err := b.PublishSystem(ctx, dlqEvent); err != nil {
		b.logger.Error("failed publishing dead-letter event", "topic", dlqTopic, "error", err)
	}

	failedBuilder := amcp.NewBuilder(DeliveryFailedTopic).
		WithSource(item.event.Source()).
		WithCorrelationID(item.event.CorrelationID()).
		WithMetadata("event-id", item.event.ID()).
		WithMetadata("original-topic", item.event.Topic())
	if cause != nil {
		failedBuilder = failedBuilder.WithMetadata("cause", cause.Error())
	}
	failedEvent, err := failedBuilder.Build()
	if err != nil {
		b.logger.Error("failed building delivery.failed event", "topic", item.event.Topic(), "error", err)
		return
	}
	if err := b.PublishSystem(ctx, failedEvent); err != nil {
		b.logger.Error("failed publishing delivery.failed event", "topic", DeliveryFailedTopic, "error", err)
	}
}

// safeCall recovers a panicking handler and turns it into a
// KindHandlerError, so one bad handler can never take down the
// subscription's dispatch goroutine.
func safeCall(h Handler, ctx context.Context, event amcp.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = amcp.NewError(amcp.KindHandlerError, fmt.Sprintf("handler panicked: %v", r), nil)
		}
	}()
	return h(ctx, event)
}

var _ Broker = (*MemoryBroker)(nil)
