package ipc

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wonderland/bridge/pkg/limbo"
	"github.com/wonderland/bridge/pkg/types"
)

// ConnState is the lifecycle state of an observer connection
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAdmitted
	StateActive
	StateClosed
)

// String returns the state name
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAdmitted:
		return "admitted"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RabbitHole is one admitted observer connection. The registry owns it;
// the observer's loop and the dispatcher only do I/O through it.
type RabbitHole struct {
	id           uint64
	conn         net.Conn
	peer         limbo.Peer
	cred         *PeerCred
	writeTimeout time.Duration
	createdAt    time.Time

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once
	sent      atomic.Uint64
}

func newRabbitHole(conn net.Conn, peer limbo.Peer, cred *PeerCred, writeTimeout time.Duration) *RabbitHole {
	return &RabbitHole{
		conn:         conn,
		peer:         peer,
		cred:         cred,
		writeTimeout: writeTimeout,
		createdAt:    time.Now(),
	}
}

// ID returns the comm id, zero until registered
func (h *RabbitHole) ID() uint64 {
	return h.id
}

// CommPath returns the comm id as it appears on the wire
func (h *RabbitHole) CommPath() string {
	return strconv.FormatUint(h.id, 10)
}

// Peer returns the network identity the observer was admitted as
func (h *RabbitHole) Peer() limbo.Peer {
	return h.peer
}

// Cred returns the connecting process credentials, or nil if unavailable
func (h *RabbitHole) Cred() *PeerCred {
	return h.cred
}

// State returns the current lifecycle state
func (h *RabbitHole) State() ConnState {
	return ConnState(h.state.Load())
}

func (h *RabbitHole) setState(s ConnState) {
	h.state.Store(int32(s))
}

// activate moves an admitted connection to Active. It fails if the
// connection was closed in the meantime.
func (h *RabbitHole) activate() bool {
	return h.state.CompareAndSwap(int32(StateAdmitted), int32(StateActive))
}

// Sent returns the number of packets written to the observer
func (h *RabbitHole) Sent() uint64 {
	return h.sent.Load()
}

// Send writes one packet body. Writes are serialized per connection.
func (h *RabbitHole) Send(body []byte) error {
	if h.State() == StateClosed {
		return types.NewError(types.ErrCodeIO, fmt.Sprintf("rabbit hole %d is closed", h.id))
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := WriteMessage(h.conn, body, h.writeTimeout); err != nil {
		return err
	}
	h.sent.Add(1)
	return nil
}

// Close moves the connection to Closed and releases the socket. Safe to
// call more than once and from any goroutine.
func (h *RabbitHole) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.setState(StateClosed)
		err = h.conn.Close()
	})
	return err
}

// String returns a string representation of the rabbit hole
func (h *RabbitHole) String() string {
	return fmt.Sprintf("RabbitHole{id: %d, peer: %s, state: %s}", h.id, h.peer, h.State())
}

// Registry tracks admitted observer connections by comm id
type Registry struct {
	mu     sync.RWMutex
	holes  map[uint64]*RabbitHole
	nextID atomic.Uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		holes: make(map[uint64]*RabbitHole),
	}
}

// CreateNewComm issues the next comm id. Ids start at 1, increase
// monotonically and are never reused for the registry's lifetime.
func (r *Registry) CreateNewComm() uint64 {
	return r.nextID.Add(1)
}

// Register assigns h a fresh comm id and adds it in the Admitted state
func (r *Registry) Register(h *RabbitHole) (uint64, error) {
	id := r.CreateNewComm()
	if err := r.insert(id, h); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Registry) insert(id uint64, h *RabbitHole) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.holes[id]; exists {
		return types.NewError(types.ErrCodeDuplicateCommPath,
			fmt.Sprintf("comm id %d is already registered", id))
	}

	h.id = id
	h.setState(StateAdmitted)
	r.holes[id] = h
	return nil
}

// Remove drops the entry for id and returns it, or nil if absent
func (r *Registry) Remove(id uint64) *RabbitHole {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.holes[id]
	if !ok {
		return nil
	}
	delete(r.holes, id)
	return h
}

// Get returns the entry for id
func (r *Registry) Get(id uint64) (*RabbitHole, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.holes[id]
	return h, ok
}

// Active returns the Active entries ordered by comm id
func (r *Registry) Active() []*RabbitHole {
	r.mu.RLock()
	holes := make([]*RabbitHole, 0, len(r.holes))
	for _, h := range r.holes {
		if h.State() == StateActive {
			holes = append(holes, h)
		}
	}
	r.mu.RUnlock()

	sort.Slice(holes, func(i, j int) bool { return holes[i].id < holes[j].id })
	return holes
}

// Len returns the number of registered entries
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.holes)
}

// CloseAll closes and removes every entry
func (r *Registry) CloseAll() {
	r.mu.Lock()
	holes := r.holes
	r.holes = make(map[uint64]*RabbitHole)
	r.mu.Unlock()

	for _, h := range holes {
		_ = h.Close()
	}
}
