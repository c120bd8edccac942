package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDispatcherNotRunning     = errors.New("lifecycle: dispatcher is not running")
	ErrDispatcherAlreadyRunning = errors.New("lifecycle: dispatcher is already running")
	ErrEventNil                 = errors.New("lifecycle: event cannot be nil")
	ErrEventBufferFull          = errors.New("lifecycle: event buffer is full")
	ErrEventNotFound            = errors.New("lifecycle: event not found")
)

// Dispatcher fans TransitionEvents out to registered Observers in
// priority order, enforcing DispatchConfig.ObserverTimeout per
// observer so one slow hook never stalls the others.
type Dispatcher struct {
	mu        sync.RWMutex
	observers map[string]Observer
	running   bool
	config    *DispatchConfig

	metricsMu sync.Mutex
	metrics   EventMetrics

	eventChan chan *TransitionEvent
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A nil config uses
// DefaultDispatchConfig.
func NewDispatcher(config *DispatchConfig) *Dispatcher {
	if config == nil {
		config = DefaultDispatchConfig()
	}
	return &Dispatcher{
		observers: make(map[string]Observer),
		config:    config,
		metrics:   EventMetrics{EventsByType: make(map[EventType]int64)},
		eventChan: make(chan *TransitionEvent, config.BufferSize),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrDispatcherAlreadyRunning
	}
	d.stopChan = make(chan struct{})
	d.running = true
	d.wg.Add(1)
	go d.processEvents(ctx)
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Dispatch enqueues event for asynchronous fan-out. It returns
// ErrEventBufferFull rather than blocking the caller, since Dispatch is
// called while the per-agent lock is held (spec §5: lifecycle
// operations must not block on handler execution).
func (d *Dispatcher) Dispatch(ctx context.Context, event *TransitionEvent) error {
	if event == nil {
		return ErrEventNil
	}
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		return ErrDispatcherNotRunning
	}
	if event.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			event.ID = id.String()
		} else {
			event.ID = uuid.New().String()
		}
	}
	select {
	case d.eventChan <- event:
		return nil
	default:
		return ErrEventBufferFull
	}
}

func (d *Dispatcher) RegisterObserver(ctx context.Context, observer Observer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers[observer.ID()] = observer
	return nil
}

func (d *Dispatcher) UnregisterObserver(ctx context.Context, observerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.observers, observerID)
	return nil
}

func (d *Dispatcher) GetObservers(ctx context.Context) ([]Observer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Observer, 0, len(d.observers))
	for _, o := range d.observers {
		out = append(out, o)
	}
	return out, nil
}

// Metrics returns a copy of the dispatcher's counters.
func (d *Dispatcher) Metrics() EventMetrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	cp := d.metrics
	cp.EventsByType = make(map[EventType]int64, len(d.metrics.EventsByType))
	for k, v := range d.metrics.EventsByType {
		cp.EventsByType[k] = v
	}
	return cp
}

func (d *Dispatcher) processEvents(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.eventChan:
			d.fanOut(ctx, event)
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) fanOut(ctx context.Context, event *TransitionEvent) {
	d.mu.RLock()
	interested := make([]Observer, 0, len(d.observers))
	for _, o := range d.observers {
		for _, t := range o.EventTypes() {
			if t == event.Type {
				interested = append(interested, o)
				break
			}
		}
	}
	timeout := d.config.ObserverTimeout
	d.mu.RUnlock()

	sort.SliceStable(interested, func(i, j int) bool {
		return interested[i].Priority() > interested[j].Priority()
	})

	d.metricsMu.Lock()
	d.metrics.TotalEvents++
	d.metrics.EventsByType[event.Type]++
	d.metricsMu.Unlock()

	for _, obs := range interested {
		d.invoke(ctx, obs, event, timeout)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, obs Observer, event *TransitionEvent, timeout time.Duration) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- safeInvoke(obs, callCtx, event)
	}()

	select {
	case err := <-resultCh:
		if err != nil {
			d.metricsMu.Lock()
			d.metrics.ObserverErrors++
			d.metricsMu.Unlock()
		}
	case <-callCtx.Done():
		d.metricsMu.Lock()
		d.metrics.ObserverTimeouts++
		d.metricsMu.Unlock()
	}
}

func safeInvoke(obs Observer, ctx context.Context, event *TransitionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer %s panicked: %v", obs.ID(), r)
		}
	}()
	return obs.OnEvent(ctx, event)
}

// Store is an in-memory EventStore, indexed by agent for
// GetEventHistory and by id for Get.
type Store struct {
	mu     sync.RWMutex
	events map[string]*TransitionEvent
	byAgent map[string][]*TransitionEvent
	seq    atomic.Uint64
}

func NewStore() *Store {
	return &Store{
		events:  make(map[string]*TransitionEvent),
		byAgent: make(map[string][]*TransitionEvent),
	}
}

func (s *Store) Store(ctx context.Context, event *TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = event
	s.byAgent[event.AgentID] = append(s.byAgent[event.AgentID], event)
	return nil
}

func (s *Store) Get(ctx context.Context, eventID string) (*TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e, nil
}

func (s *Store) Query(ctx context.Context, criteria *QueryCriteria) ([]*TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := make(map[EventType]bool, len(criteria.EventTypes))
	for _, t := range criteria.EventTypes {
		typeSet[t] = true
	}
	agentSet := make(map[string]bool, len(criteria.AgentIDs))
	for _, a := range criteria.AgentIDs {
		agentSet[a] = true
	}

	var out []*TransitionEvent
	for _, e := range s.events {
		if len(typeSet) > 0 && !typeSet[e.Type] {
			continue
		}
		if len(agentSet) > 0 && !agentSet[e.AgentID] {
			continue
		}
		if criteria.Since != nil && e.Timestamp.Before(*criteria.Since) {
			continue
		}
		if criteria.Until != nil && e.Timestamp.After(*criteria.Until) {
			continue
		}
		out = append(out, e)
		if criteria.Limit > 0 && len(out) >= criteria.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetEventHistory(ctx context.Context, agentID string, since time.Time) ([]*TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byAgent[agentID]
	out := make([]*TransitionEvent, 0, len(events))
	for _, e := range events {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// BasicObserver adapts a plain callback into an Observer.
type BasicObserver struct {
	id         string
	eventTypes []EventType
	priority   int
	callback   func(context.Context, *TransitionEvent) error
}

func NewBasicObserver(id string, eventTypes []EventType, priority int, callback func(context.Context, *TransitionEvent) error) *BasicObserver {
	return &BasicObserver{id: id, eventTypes: eventTypes, priority: priority, callback: callback}
}

func (o *BasicObserver) OnEvent(ctx context.Context, event *TransitionEvent) error {
	if o.callback != nil {
		return o.callback(ctx, event)
	}
	return nil
}

func (o *BasicObserver) ID() string              { return o.id }
func (o *BasicObserver) EventTypes() []EventType { return o.eventTypes }
func (o *BasicObserver) Priority() int            { return o.priority }

var _ EventDispatcher = (*Dispatcher)(nil)
var _ EventStore = (*Store)(nil)
var _ Observer = (*BasicObserver)(nil)
