package transport

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrNotOpen = errors.New("transport not open")

// Link is one physical connection shared by every personality of a box.
// The first Acquire opens it and the last Release closes it. Lock and Unlock
// bracket a single command round trip so callers never interleave on the wire.
type Link struct {
	url  string
	open Opener

	wire sync.Mutex

	mu    sync.Mutex
	t     Transport
	count int
}

func NewLink(url string, open Opener) *Link {
	return &Link{url: url, open: open}
}

func (l *Link) URL() string { return l.url }

func (l *Link) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		t, err := l.open()
		if err != nil {
			return err
		}
		l.wire.Lock()
		l.t = t
		l.wire.Unlock()
		log.Info().Str("url", l.url).Msg("Connected to controller")
	}
	l.count++
	return nil
}

func (l *Link) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return
	}
	l.count--
	if l.count > 0 {
		return
	}

	l.wire.Lock()
	t := l.t
	l.t = nil
	l.wire.Unlock()
	if t != nil {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("url", l.url).Msg("Error closing controller connection")
		}
	}
	log.Info().Str("url", l.url).Msg("Disconnected from controller")
}

// Users returns the number of outstanding Acquire calls.
func (l *Link) Users() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Lock takes the wire lock and returns the open transport. The caller must
// call Unlock even when an error is returned.
func (l *Link) Lock() (Transport, error) {
	l.wire.Lock()
	if l.t == nil {
		return nil, ErrNotOpen
	}
	return l.t, nil
}

func (l *Link) Unlock() {
	l.wire.Unlock()
}

// Registry hands out one Link per device URL.
type Registry struct {
	mu    sync.Mutex
	baud  int
	links map[string]*Link
	open  func(url string, baud int) (Transport, error)
}

func NewRegistry(baud int) *Registry {
	return &Registry{baud: baud, links: make(map[string]*Link), open: Open}
}

// NewRegistryWithOpener is used by tests to substitute the transport.
func NewRegistryWithOpener(open func(url string, baud int) (Transport, error)) *Registry {
	return &Registry{links: make(map[string]*Link), open: open}
}

func (r *Registry) Link(url string) *Link {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.links[url]; ok {
		return l
	}
	l := NewLink(url, func() (Transport, error) { return r.open(url, r.baud) })
	r.links[url] = l
	return l
}
