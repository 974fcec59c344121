// Package virtual implements an in-process Transport pair used by tests:
// two endpoints exchange datagrams over buffered Go channels instead of a
// real socket, with seeded random loss and fixed delay injection so loss
// scenarios are reproducible without a real lossy link. Reordering is not
// injected.
package virtual

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/samsamfire/gomtftp/pkg/transport"
)

func init() {
	transport.Register("virtual", New)
}

// Options controls the impairments a bus applies to traffic crossing it.
type Options struct {
	DropRate float64      // probability in [0,1] that a datagram is dropped
	Delay    time.Duration // fixed extra delivery delay
	Rand     *rand.Rand    // source of randomness; defaults to a fixed seed
}

// broker pairs up the two callers that dial the same channel name, the
// same role a listener address plays for a real socket.
var (
	brokerMu sync.Mutex
	broker   = make(map[string]*link)
)

type link struct {
	a, b chan []byte
}

// bus is one endpoint of a virtual link.
type bus struct {
	send chan []byte
	recv chan []byte
	opts Options
	once sync.Once
	done chan struct{}
}

// New dials a named in-process link. The first caller for a given name
// becomes side A, the second becomes side B; the name is then freed, so a
// third caller starts a brand new pairing rather than joining the first
// two. Use Pair for programmatic construction without the registry (e.g.
// to set per-test Options).
func New(channel string) (transport.Transport, error) {
	return dial(channel, Options{})
}

// NewWithOptions is like New but applies loss/delay impairments.
func NewWithOptions(channel string, opts Options) (transport.Transport, error) {
	return dial(channel, opts)
}

func dial(channel string, opts Options) (transport.Transport, error) {
	brokerMu.Lock()
	defer brokerMu.Unlock()

	l, ok := broker[channel]
	if !ok {
		l = &link{a: make(chan []byte, 64), b: make(chan []byte, 64)}
		broker[channel] = l
		return newBus(l.a, l.b, opts), nil
	}
	delete(broker, channel)
	return newBus(l.b, l.a, opts), nil
}

// Pair returns two linked Transports directly, without the channel-name
// registry; handy for tests that want explicit control over both ends.
func Pair(opts Options) (transport.Transport, transport.Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	return newBus(ab, ba, opts), newBus(ba, ab, opts)
}

func newBus(send, recv chan []byte, opts Options) *bus {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	return &bus{send: send, recv: recv, opts: opts, done: make(chan struct{})}
}

func (b *bus) Send(buf []byte) error {
	if b.opts.DropRate > 0 && b.opts.Rand.Float64() < b.opts.DropRate {
		return nil // dropped, as if the peer never saw it
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	deliver := func() {
		select {
		case b.send <- cp:
		case <-b.done:
		}
	}
	if b.opts.Delay > 0 {
		time.AfterFunc(b.opts.Delay, deliver)
		return nil
	}
	deliver()
	return nil
}

func (b *bus) Recv() <-chan []byte {
	return b.recv
}

func (b *bus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

// errClosed is kept for parity with real transports; no method of the
// in-process bus returns it.
var errClosed = errors.New("virtual: transport closed")
