// Package workflow composes deferred op calls into graphs and runs them.
//
// A Client owns the collaborators (storage, serializers, runtime, index)
// and allows at most one active Workflow at a time. Calls made with a
// context carrying the active workflow return lazy handles and queue call
// nodes; a barrier uploads local arguments, submits queued nodes to the
// runtime in dependency order and waits for them. Calls made without a
// workflow run the op in-process.
package workflow

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/ids"
	"github.com/roach88/lazyflow/internal/runtime"
	"github.com/roach88/lazyflow/internal/serial"
	"github.com/roach88/lazyflow/internal/storage"
	"github.com/roach88/lazyflow/internal/whiteboard"
)

var workflowNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Client owns the collaborators shared by workflows.
type Client struct {
	storage      storage.Client
	root         string
	user         string
	serializers  *serial.Registry
	runtime      runtime.Runtime
	index        whiteboard.Index
	ids          ids.Generator
	logger       *slog.Logger
	eager        bool
	pollInterval time.Duration
	now          func() time.Time

	mu     sync.Mutex
	active *Workflow
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithStorage sets the storage client and the root URI results are placed
// under.
func WithStorage(c storage.Client, root string) ClientOption {
	return func(cl *Client) {
		cl.storage = c
		cl.root = root
	}
}

// WithUser sets the user segment of storage paths.
func WithUser(user string) ClientOption {
	return func(cl *Client) { cl.user = user }
}

// WithSerializers replaces the default serializer registry.
func WithSerializers(r *serial.Registry) ClientOption {
	return func(cl *Client) { cl.serializers = r }
}

// WithIndex sets the whiteboard index.
func WithIndex(idx whiteboard.Index) ClientOption {
	return func(cl *Client) { cl.index = idx }
}

// WithIDGenerator overrides the generator for entry, call, execution and
// whiteboard ids.
func WithIDGenerator(g ids.Generator) ClientOption {
	return func(cl *Client) { cl.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// WithEagerDefault makes new workflows eager unless they say otherwise.
func WithEagerDefault(eager bool) ClientOption {
	return func(cl *Client) { cl.eager = eager }
}

// WithPollInterval sets how often a materialization polls storage for a
// result produced outside this process.
func WithPollInterval(d time.Duration) ClientOption {
	return func(cl *Client) { cl.pollInterval = d }
}

// WithClock overrides the time source for whiteboard creation times.
func WithClock(now func() time.Time) ClientOption {
	return func(cl *Client) { cl.now = now }
}

// NewClient creates a client for rt. Without WithStorage the runtime's
// default storage is used if it offers one.
func NewClient(rt runtime.Runtime, opts ...ClientOption) (*Client, error) {
	if rt == nil {
		return nil, fmt.Errorf("new client: no runtime")
	}
	c := &Client{
		runtime:      rt,
		serializers:  serial.Default(),
		ids:          ids.UUIDv7{},
		logger:       slog.Default(),
		pollInterval: time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.storage == nil {
		sp, ok := rt.(runtime.StorageProvider)
		if !ok {
			return nil, fmt.Errorf("new client: no storage configured and runtime offers none")
		}
		cfg, ok := sp.DefaultStorage()
		if !ok {
			return nil, fmt.Errorf("new client: no storage configured and runtime offers none")
		}
		sc, err := storage.Open(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("new client: %w", err)
		}
		c.storage, c.root = sc, cfg.URI
		c.logger.Debug("using runtime default storage", "uri", cfg.URI)
	}
	if c.root == "" {
		return nil, fmt.Errorf("new client: empty storage root")
	}
	return c, nil
}

// Storage returns the storage client.
func (c *Client) Storage() storage.Client { return c.storage }

// Root returns the storage root URI.
func (c *Client) Root() string { return c.root }

// Serializers returns the serializer registry.
func (c *Client) Serializers() *serial.Registry { return c.serializers }

// Index returns the whiteboard index, or nil.
func (c *Client) Index() whiteboard.Index { return c.index }

// Runtime returns the runtime.
func (c *Client) Runtime() runtime.Runtime { return c.runtime }

// Active returns the active workflow, or nil.
func (c *Client) Active() *Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) acquire(w *Workflow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return errs.New(errs.CodeConcurrentWorkflow, "another workflow is active").
			With("active", c.active.name).
			With("workflow", w.name)
	}
	c.active = w
	return nil
}

func (c *Client) release(w *Workflow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == w {
		c.active = nil
	}
}
