package childproc

import (
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"

	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

// Pool is the process-wide, prewarmed collection of kit processes a
// broker borrows a Handle from, managed outside the broker's own
// control loop. The ROUTER socket speaks
// to every DEALER-connected kit; Handle wraps the per-kit identity.
type Pool struct {
	mu      sync.Mutex
	ctx     *zmq.Context
	router  *zmq.Socket
	bind    string
	handles map[string]*Handle
	logger  logpkg.Logger
}

// NewPool binds a ROUTER socket at bindEndpoint (e.g. "tcp://*:9981")
// that prewarmed kit processes DEALER-connect to.
func NewPool(bindEndpoint string, logger logpkg.Logger) (*Pool, error) {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	ctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("childproc: new zmq context: %w", err)
	}
	router, err := ctx.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("childproc: new router socket: %w", err)
	}
	if err := router.Bind(bindEndpoint); err != nil {
		return nil, fmt.Errorf("childproc: bind %s: %w", bindEndpoint, err)
	}
	return &Pool{
		ctx:     ctx,
		router:  router,
		bind:    bindEndpoint,
		handles: make(map[string]*Handle),
		logger:  logger.WithComponent("childproc.pool"),
	}, nil
}

// Register opens a DEALER socket with identity kitID, connects it to
// the pool's endpoint, and records the resulting handle under kitID.
func (p *Pool) Register(kitID string, pid int) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handles[kitID]; exists {
		return nil, fmt.Errorf("childproc: kit %s already registered", kitID)
	}
	dealer, err := p.ctx.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, fmt.Errorf("childproc: new dealer socket: %w", err)
	}
	if err := dealer.SetIdentity(kitID); err != nil {
		return nil, fmt.Errorf("childproc: set identity: %w", err)
	}
	if err := dealer.Connect(p.bind); err != nil {
		return nil, fmt.Errorf("childproc: connect dealer: %w", err)
	}
	h := NewHandle(kitID, pid, dealer)
	p.handles[kitID] = h
	p.logger.Info("kit registered", logpkg.Str("kit_id", kitID), logpkg.Int("pid", pid))
	return h, nil
}

// Borrow returns the Handle for an already-registered kitID, the
// broker's entry point after childpool.KitRegistry.SelectAvailable
// picked a candidate.
func (p *Pool) Borrow(kitID string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[kitID]
	if !ok {
		return nil, fmt.Errorf("childproc: kit %s not registered", kitID)
	}
	return h, nil
}

// Release closes and forgets kitID's handle, called once its lease is
// released and it returns to the pool (or dies).
func (p *Pool) Release(kitID string, rude bool) error {
	p.mu.Lock()
	h, ok := p.handles[kitID]
	if ok {
		delete(p.handles, kitID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Close(rude)
}

// Close tears down the pool's ROUTER socket and context.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kitID, h := range p.handles {
		_ = h.Close(true)
		delete(p.handles, kitID)
	}
	if err := p.router.Close(); err != nil {
		return err
	}
	return p.ctx.Term()
}
