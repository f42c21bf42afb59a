package capture

import (
	"context"
	"sync"

	"github.com/nasa-jpl/astrocap/prompt"
)

// Controller runs at most one session at a time against a fixed set of
// devices
type Controller struct {
	deps Deps

	mu      sync.Mutex
	current *Session
	last    *Session
}

// NewController returns a Controller using d
func NewController(d Deps) *Controller {
	return &Controller{deps: d.withDefaults()}
}

// Deps returns the collaborators sessions are built with
func (c *Controller) Deps() Deps { return c.deps }

// Validate checks cfg for a series of runs without starting anything
func (c *Controller) Validate(ctx context.Context, cfg Config, runs int) ([]prompt.Notice, error) {
	return Validate(ctx, c.deps, cfg, runs)
}

// Start begins a new session.  It returns ErrBusy if one is already active.
// A session that was refused is returned along with the error so its summary
// can be inspected.
func (c *Controller) Start(ctx context.Context, cfg Config) (*Session, error) {
	c.mu.Lock()
	if c.current != nil && c.current.State() != Stopped {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	s := NewSession(c.deps, cfg)
	c.current = s
	c.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		c.retire(s)
		return s, err
	}
	go func() {
		<-s.Done()
		c.retire(s)
	}()
	return s, nil
}

func (c *Controller) retire(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
	c.last = s
}

// Run starts a session and waits for it to finish.  Cancelling ctx stops the
// session; the summary of the partial run is still returned.
func (c *Controller) Run(ctx context.Context, cfg Config) (Summary, error) {
	s, err := c.Start(ctx, cfg)
	if s == nil {
		return Summary{}, err
	}
	select {
	case <-ctx.Done():
		s.Stop()
	case <-s.Done():
	}
	sum, err := s.Wait(context.Background())
	c.retire(s)
	return sum, err
}

// Current returns the active session, or nil
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Last returns the most recently finished session, or nil
func (c *Controller) Last() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Session returns the current or last session with the given id
func (c *Controller) Session(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range []*Session{c.current, c.last} {
		if s != nil && s.ID() == id {
			return s
		}
	}
	return nil
}
