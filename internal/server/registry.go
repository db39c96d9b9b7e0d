package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/remoterc/internal/observability"
	"github.com/danmuck/remoterc/internal/protocol/session"
)

var (
	ErrDuplicatePeer  = errors.New("server: peer already registered")
	ErrRegistryClosed = errors.New("server: registry closed")
)

// Peer is the server-side bookkeeping for one live connection. Handlers
// hold a reference; the registry owns membership.
type Peer struct {
	Addr        string
	ConnectedAt time.Time

	out       chan session.Message
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	jobID     string
}

func newPeer(addr string, buffer int) *Peer {
	if buffer <= 0 {
		buffer = 1
	}
	return &Peer{
		Addr:        addr,
		ConnectedAt: time.Now(),
		out:         make(chan session.Message, buffer),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Enqueue hands msg to the peer's writer. It reports false once the writer
// has exited.
func (p *Peer) Enqueue(msg session.Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- msg:
		return true
	case <-p.done:
		return false
	}
}

// RequestClose asks the writer to send a close frame and stop. It never blocks.
func (p *Peer) RequestClose() {
	p.closeOnce.Do(func() {
		close(p.closing)
	})
}

// PeerInfo is a point-in-time view of a Peer.
type PeerInfo struct {
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`
	JobID       string    `json:"job_id,omitempty"`
}

// Registry maps peer address to Peer. The lock is held only for map work.
type Registry struct {
	mu     sync.Mutex
	peers  map[string]*Peer
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

func (r *Registry) Insert(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.peers[p.Addr]; ok {
		return ErrDuplicatePeer
	}
	r.peers[p.Addr] = p
	observability.SetPeersConnected(len(r.peers))
	return nil
}

// Remove deletes addr and reports whether it was present.
func (r *Registry) Remove(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[addr]
	delete(r.peers, addr)
	observability.SetPeersConnected(len(r.peers))
	return ok
}

// SetJob records the in-flight job for addr; an empty id clears it.
func (r *Registry) SetJob(addr, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		p.jobID = jobID
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Registry) Snapshot() []PeerInfo {
	r.mu.Lock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, PeerInfo{Addr: p.Addr, ConnectedAt: p.ConnectedAt, JobID: p.jobID})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// CloseAll refuses further inserts and asks every registered peer to close.
// It does not wait for the peers to go away.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, p := range r.peers {
		p.RequestClose()
	}
	return len(r.peers)
}
