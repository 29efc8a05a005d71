package discovery

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// EventReceiverUpserted is emitted when a receiver appears or its record changes.
	EventReceiverUpserted EventType = "receiver_upserted"
	// EventReceiverRemoved is emitted when a previously seen receiver disappears.
	EventReceiverRemoved EventType = "receiver_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type     EventType
	Receiver Receiver
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner keeps a live view of advertised receivers with periodic and manual scans.
type Scanner struct {
	cfg    Config
	browse browseFunc

	mu        sync.RWMutex
	receivers map[string]Receiver

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	browse, err := cfg.resolveBrowse()
	if err != nil {
		return nil, err
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		receivers:       make(map[string]Receiver),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Updates are dropped when
// the consumer falls behind.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// Receivers returns the current snapshot, sorted by name.
func (s *Scanner) Receivers() []Receiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedReceivers(s.receivers)
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.runScan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(mergeCancel(s.ctx, req.ctx))
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(ctx context.Context) error {
	found, err := scan(ctx, s.cfg, s.browse)
	if err != nil {
		return err
	}
	s.applySnapshot(found)
	return nil
}

func (s *Scanner) applySnapshot(next map[string]Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.receivers
	s.receivers = next

	for id, receiver := range next {
		old, exists := previous[id]
		if !exists || !receiversEqual(old, receiver) {
			s.emitEvent(Event{Type: EventReceiverUpserted, Receiver: receiver})
		}
	}
	for id, receiver := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventReceiverRemoved, Receiver: receiver})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(a, b context.Context) context.Context {
	ctx, cancel := context.WithCancel(a)
	context.AfterFunc(b, cancel)
	return ctx
}

func receiversEqual(a, b Receiver) bool {
	if a.ReceiverID != b.ReceiverID ||
		a.InstanceName != b.InstanceName ||
		a.Fingerprint != b.Fingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
