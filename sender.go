package fmtp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/atomic"
)

const (
	stateNew int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

const defaultTimeoutRatio = 20.0

// Option configures a Sender at construction time.
type Option func(*Sender)

// WithTimeoutRatio overrides the default retention-window multiplier
// (timeout_period = multicast-burst-duration * ratio). Default 20.0.
func WithTimeoutRatio(ratio float32) Option {
	return func(s *Sender) { s.timeoutRatio = ratio }
}

// WithTTL overrides the multicast TTL. Default 1.
func WithTTL(ttl uint8) Option {
	return func(s *Sender) { s.ttl = ttl }
}

// WithLinkSpeed sets an advisory link rate in bits per second, used to
// size the multicast socket's send buffer.
func WithLinkSpeed(bitsPerSecond uint64) Option {
	return func(s *Sender) { s.linkSpeed = bitsPerSecond }
}

// WithNotifier registers the callback invoked once per product when its
// retransmission window closes.
func WithNotifier(n Notifier) Option {
	return func(s *Sender) { s.notifier = n }
}

// WithInitProdIndex sets the first prod_index SendProduct will hand out.
// Default 0.
func WithInitProdIndex(initProdIndex uint32) Option {
	return func(s *Sender) { s.initProdIndex = initProdIndex }
}

// Sender is the FMTP sender core: product pipeline, multicast egress,
// recovery listener, and a goroutine-per-receiver recovery worker pool,
// coordinated through a start/stop lifecycle.
//
// New(...)/Start/Stop follow New → Running → Stopping → Stopped. Start may
// only be called once, on a fresh Sender. Stop is idempotent: calling it a
// second time is a no-op that returns the same result as the first call.
type Sender struct {
	tcpAddr   string
	tcpPort   uint16
	mcastAddr string
	mcastPort uint16

	ttl           uint8
	timeoutRatio  float32
	linkSpeed     uint64
	notifier      Notifier
	initProdIndex uint32
	ifaceIP       net.IP

	egress   *MulticastEgress
	listener *RecoveryListener
	registry *Registry
	timer    *DelayQueue
	pipeline *Pipeline

	workersMu sync.Mutex
	workers   map[ReceiverID]*RecoveryWorker

	wg       sync.WaitGroup
	state    atomic.Int32
	firstErr atomic.Error
	failOnce sync.Once
	stopOnce sync.Once
}

// New constructs a Sender bound to no sockets yet — Start opens the
// multicast egress socket and the TCP recovery listener. A tcpPort of 0
// lets the OS choose the TCP port; LocalPort reports the bound value after
// Start. mcastPort is used as the destination port as given.
func New(tcpAddr string, tcpPort uint16, mcastAddr string, mcastPort uint16, opts ...Option) (*Sender, error) {
	s := &Sender{
		tcpAddr:      tcpAddr,
		tcpPort:      tcpPort,
		mcastAddr:    mcastAddr,
		mcastPort:    mcastPort,
		ttl:          1,
		timeoutRatio: defaultTimeoutRatio,
		workers:      make(map[ReceiverID]*RecoveryWorker),
	}
	for _, opt := range opts {
		opt(s)
	}

	egress, err := NewMulticastEgress(mcastAddr, mcastPort, s.ttl)
	if err != nil {
		return nil, err
	}
	s.egress = egress
	s.listener = NewRecoveryListener(tcpAddr, tcpPort)
	s.registry = NewRegistry()
	s.timer = NewDelayQueue()
	return s, nil
}

// SetDefaultInterface sets the outbound interface used for multicast
// traffic, by local address. May be called before or after Start.
func (s *Sender) SetDefaultInterface(ip net.IP) error {
	s.ifaceIP = ip
	return s.egress.SetDefaultInterface(ip)
}

// SetLinkSpeed updates the advisory link rate used to size the multicast
// send buffer. Takes effect on the next Start if the egress socket isn't
// open yet.
func (s *Sender) SetLinkSpeed(bitsPerSecond uint64) {
	s.linkSpeed = bitsPerSecond
	s.egress.SetLinkSpeed(bitsPerSecond)
}

// LocalPort returns the bound TCP recovery port. Valid after Start.
func (s *Sender) LocalPort() uint16 {
	return s.listener.LocalPort()
}

// MinPathMTU returns the smallest path MTU observed across connected
// recovery sockets, or 0 if none has been measured yet.
func (s *Sender) MinPathMTU() int {
	return s.listener.MinPathMTU()
}

// Start opens the multicast egress socket and the TCP recovery listener,
// then spawns the timer consumer and the accept loop. It returns once
// both are running; it does not block waiting for receivers.
func (s *Sender) Start() error {
	if !s.state.CompareAndSwap(stateNew, stateRunning) {
		return fmt.Errorf("%w: Start called more than once or after Stop", ErrInvalidArgument)
	}

	s.egress.SetLinkSpeed(s.linkSpeed)
	if s.ifaceIP != nil {
		if err := s.egress.SetDefaultInterface(s.ifaceIP); err != nil {
			return err
		}
	}
	if err := s.egress.Open(); err != nil {
		return err
	}
	if err := s.listener.Open(); err != nil {
		_ = s.egress.Close()
		return err
	}

	s.pipeline = newPipeline(s.egress, s.registry, s.listener, s.timer, s.initProdIndex, s.timeoutRatio)

	s.wg.Add(2)
	go s.runTimer()
	go s.runAcceptLoop()

	return nil
}

// SendProduct fragments data into BOP/DATA*/EOP and multicasts them,
// returning the assigned product index. Callers must serialize their own
// calls; Sender does not lock around the pipeline.
func (s *Sender) SendProduct(data []byte, metadata []byte) (uint32, error) {
	if s.state.Load() != stateRunning {
		return 0, fmt.Errorf("%w: sender is not running", ErrInvalidArgument)
	}
	prodIndex, err := s.pipeline.SendProduct(data, metadata)
	if err != nil && errors.Is(err, ErrEgressFailed) {
		s.fail(err)
	}
	return prodIndex, err
}

// Stop disables the timer, stops accepting new receivers, cancels every
// active Recovery Worker, waits for all background goroutines to exit,
// and drops every registry entry still held. Calling Stop more than once is safe; the second and later calls
// are no-ops that return the same result as the first.
func (s *Sender) Stop() error {
	s.stopOnce.Do(func() {
		s.state.Store(stateStopping)
		s.timer.Disable()
		_ = s.listener.Close()

		s.workersMu.Lock()
		for _, w := range s.workers {
			w.Cancel()
		}
		s.workersMu.Unlock()

		s.wg.Wait()
		_ = s.egress.Close()

		s.registry.mu.Lock()
		s.registry.entries = make(map[uint32]*Metadata)
		s.registry.mu.Unlock()
		s.state.Store(stateStopped)
	})

	if err := s.firstErr.Load(); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return nil
}

func (s *Sender) runTimer() {
	defer s.wg.Done()
	for {
		prodIndex, err := s.timer.Pop()
		if err != nil {
			return
		}
		if s.registry.Remove(prodIndex) && s.notifier != nil {
			s.notifier.NotifyOfEOP(prodIndex)
		}
	}
}

func (s *Sender) runAcceptLoop() {
	defer s.wg.Done()
	for {
		id, conn, err := s.listener.Accept()
		if err != nil {
			if s.state.Load() != stateRunning {
				return
			}
			s.fail(err)
			return
		}

		worker := newRecoveryWorker(id, conn, s.registry, s.listener, s.notifier)
		s.workersMu.Lock()
		s.workers[id] = worker
		s.workersMu.Unlock()

		s.wg.Add(1)
		go s.runWorker(worker)
	}
}

func (s *Sender) runWorker(w *RecoveryWorker) {
	defer s.wg.Done()
	err := w.Run()

	s.workersMu.Lock()
	delete(s.workers, w.id)
	s.workersMu.Unlock()

	if err != nil {
		s.fail(err)
	}
}

// fail records the first fatal error from any background goroutine and
// triggers an asynchronous Stop. Safe to call from multiple goroutines;
// only the first call has any effect.
func (s *Sender) fail(err error) {
	s.failOnce.Do(func() {
		s.firstErr.Store(err)
		go func() { _ = s.Stop() }()
	})
}
