// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backing

// Proxy for the backing store which prioritizes requests. Requests coming to
// the priority channels are handled first. Reads filling the cache are
// prioritized so that flushing of dirty files does not slow down readers.
type Proxy struct {
	Instance Store

	// Number of go routines to spawn for handling write requests and read
	// requests.
	flushers int
	fetchers int

	// Internal channels.
	writes     chan request
	reads      chan request
	writesPrio chan request
	readsPrio  chan request
}

// Prioritizer is a Store which lets the caller decide about the priority of a
// request. Plain Store calls use the default priorities of the proxy.
type Prioritizer interface {
	Store

	Upload(name string, body []byte, prio bool) error
	Download(name string, chunk []byte, offset int64, prio bool) error
}

var _ Prioritizer = (*Proxy)(nil)

// Request is internal structure for wrapping the communication into channels.
type request struct {
	name   string
	data   []byte
	offset int64
	done   chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for write and read workers, at least one of each.
func NewProxy(storeInstance Store, flushers, fetchers int) *Proxy {
	if flushers < 1 {
		flushers = 1
	}

	if fetchers < 1 {
		fetchers = 1
	}

	p := &Proxy{
		Instance:   storeInstance,
		flushers:   flushers,
		fetchers:   fetchers,
		writes:     make(chan request),
		reads:      make(chan request),
		writesPrio: make(chan request),
		readsPrio:  make(chan request),
	}

	for i := 0; i < p.flushers; i++ {
		go p.writeWorker()
	}

	for i := 0; i < p.fetchers; i++ {
		go p.readWorker()
	}

	return p
}

// Proxy function for writing file name. It selects the right channel
// according to prio and waits for reply.
func (p *Proxy) Upload(name string, body []byte, prio bool) error {
	c := p.writes
	if prio {
		c = p.writesPrio
	}

	done := make(chan error)
	c <- request{name: name, data: body, done: done}
	return <-done
}

// Proxy function for reading part of file name. It selects the right channel
// according to prio and waits for reply.
func (p *Proxy) Download(name string, chunk []byte, offset int64, prio bool) error {
	c := p.reads
	if prio {
		c = p.readsPrio
	}

	done := make(chan error)
	c <- request{name, chunk, offset, done}
	return <-done
}

// Size is cheap and goes directly to the instance.
func (p *Proxy) Size(name string) (int64, error) {
	return p.Instance.Size(name)
}

// ReadAt serves cache fills, hence with priority.
func (p *Proxy) ReadAt(name string, buf []byte, offset int64) error {
	return p.Download(name, buf, offset, true)
}

// Write serves flushes of dirty files, hence without priority.
func (p *Proxy) Write(name string, buf []byte) error {
	return p.Upload(name, buf, false)
}

// Generic function for prioritization used by both, write and read workers.
func (p *Proxy) receiveRequest(prio chan request, normal chan request) request {
	var r request

	select {
	case r = <-prio:
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		}
	}

	return r
}

func (p *Proxy) writeWorker() {
	for {
		r := p.receiveRequest(p.writesPrio, p.writes)
		err := p.Instance.Write(r.name, r.data)
		r.done <- err
	}
}

func (p *Proxy) readWorker() {
	for {
		r := p.receiveRequest(p.readsPrio, p.reads)
		err := p.Instance.ReadAt(r.name, r.data, r.offset)
		r.done <- err
	}
}
