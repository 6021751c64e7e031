package channel

import (
	"log/slog"
	"sync"
)

// DefaultQueueSize is the per-subscriber queue bound used when
// Config.QueueSize is not positive.
const DefaultQueueSize = 64

// Driver resolves channel descriptors into shared instances.
type Driver interface {
	// GetInstance returns the instance for ch, creating and registering it
	// when none exists.
	GetInstance(ch Channel) *Instance

	// FindInstance returns the registered instance for ch. It never creates.
	FindInstance(ch Channel) (*Instance, bool)

	// QueueSize is the maximum number of undelivered events buffered per
	// subscriber.
	QueueSize() int

	// Len returns the number of registered instances.
	Len() int
}

// Config configures a MemoryDriver.
type Config struct {
	// QueueSize bounds each subscriber's undelivered events.
	// Default: 64
	QueueSize int

	// OnDrop is called, on the publisher's goroutine, whenever a full
	// subscriber queue discards its oldest event.
	OnDrop func(ch Channel, dropped Event)

	// Logger receives listener panics and drop warnings.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns a Config with the default queue size.
func DefaultConfig() Config {
	return Config{QueueSize: DefaultQueueSize}
}

// MemoryDriver is an in-process Driver.
//
// Backpressure is drop-oldest per subscriber: Publish never blocks, and when
// one subscriber's queue is full its oldest undelivered event is discarded
// without affecting any other subscriber of the same instance.
//
// An instance is removed when its last subscription is cancelled. A
// Subscribe on an instance that was removed in the meantime re-registers it,
// or joins the instance that replaced it.
type MemoryDriver struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewMemoryDriver creates a driver. A non-positive QueueSize selects
// DefaultQueueSize.
func NewMemoryDriver(cfg Config) *MemoryDriver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryDriver{
		cfg:       cfg,
		logger:    logger.With("component", "channel"),
		instances: make(map[string]*Instance),
	}
}

var (
	defaultDriverOnce sync.Once
	defaultDriver     *MemoryDriver
)

// DefaultDriver returns the process-wide driver used by services that are
// not given one. It is created on first use with DefaultConfig.
func DefaultDriver() *MemoryDriver {
	defaultDriverOnce.Do(func() {
		defaultDriver = NewMemoryDriver(DefaultConfig())
	})
	return defaultDriver
}

// GetInstance implements Driver.
func (d *MemoryDriver) GetInstance(ch Channel) *Instance {
	key := ch.Key()

	d.mu.Lock()
	defer d.mu.Unlock()

	if inst, ok := d.instances[key]; ok {
		return inst
	}
	inst := &Instance{
		ch:     ch,
		key:    key,
		driver: d,
		subs:   make(map[*Subscription]struct{}),
	}
	d.instances[key] = inst
	return inst
}

// FindInstance implements Driver.
func (d *MemoryDriver) FindInstance(ch Channel) (*Instance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[ch.Key()]
	return inst, ok
}

// QueueSize implements Driver.
func (d *MemoryDriver) QueueSize() int {
	return d.cfg.QueueSize
}

// Len implements Driver.
func (d *MemoryDriver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.instances)
}

// Publish delivers ev to the instance registered for ch and returns the
// number of subscribers it was queued for. Unknown channels reach nobody.
func (d *MemoryDriver) Publish(ch Channel, ev Event) int {
	inst, ok := d.FindInstance(ch)
	if !ok {
		return 0
	}
	return inst.Publish(ev)
}

// attach adds sub to inst, or to the live instance that replaced it, and
// marks the target registered again.
func (d *MemoryDriver) attach(inst *Instance, sub *Subscription) *Instance {
	d.mu.Lock()
	defer d.mu.Unlock()

	target := inst
	if cur, ok := d.instances[inst.key]; ok {
		target = cur
	} else {
		d.instances[inst.key] = inst
	}

	target.mu.Lock()
	target.removed = false
	target.subs[sub] = struct{}{}
	sub.inst = target
	target.mu.Unlock()
	return target
}

// release unregisters inst if it is still empty.
func (d *MemoryDriver) release(inst *Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst.mu.Lock()
	empty := len(inst.subs) == 0
	if empty {
		inst.removed = true
	}
	inst.mu.Unlock()

	if empty && d.instances[inst.key] == inst {
		delete(d.instances, inst.key)
	}
}
