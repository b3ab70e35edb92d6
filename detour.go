package detour

import (
	"errors"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/pboyd/detour/internal/config"
	"github.com/pboyd/detour/internal/logging"
)

var (
	// ErrInvalidHandle is returned by operations on a closed hook, and is
	// the panic value when a closed hook's trampoline is called.
	ErrInvalidHandle = errors.New("detour: hook is closed")

	// ErrCycle is returned when before and after constraints can't be
	// satisfied together.
	ErrCycle = errors.New("detour: ordering cycle")

	// ErrTargetTooSmall is returned when the target's code is shorter than
	// the jump that redirects it.
	ErrTargetTooSmall = errors.New("detour: target too small to patch")
)

var tracer = otel.Tracer("github.com/pboyd/detour")

var log = logging.Logger("detour")

// Detour is an installed redirection that can be turned on and off.
type Detour interface {
	// Apply inserts the detour into its target's chain. Applying an
	// applied detour does nothing.
	Apply() error

	// Undo removes the detour from its target's chain. Undoing a detour
	// that isn't applied does nothing.
	Undo() error

	IsApplied() bool

	// IsValid reports whether the detour has not been closed.
	IsValid() bool

	// Close undoes the detour and releases it. It can be called more than
	// once.
	Close() error
}

// Option configures a hook.
type Option func(*options)

type options struct {
	id          string
	before      []string
	after       []string
	priority    int
	hasPriority bool
	subPriority int
	deferred    bool
	cfg         *config.Config
}

// WithID sets the ID other hooks refer to in Before and After. Hooks may
// share an ID. The default is the name of the wrap function.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Before places the hook outside of every hook with one of ids, so it runs
// first.
func Before(ids ...string) Option {
	return func(o *options) {
		o.before = append(o.before, ids...)
	}
}

// After places the hook inside of every hook with one of ids, so it runs
// later.
func After(ids ...string) Option {
	return func(o *options) {
		o.after = append(o.after, ids...)
	}
}

// WithPriority sets the priority. Hooks with a higher priority are placed
// further out, and hooks with any priority are outside of hooks without
// one.
func WithPriority(p int) Option {
	return func(o *options) {
		o.priority = p
		o.hasPriority = true
	}
}

// WithSubPriority breaks ties between hooks of equal priority. Higher is
// further out.
func WithSubPriority(p int) Option {
	return func(o *options) {
		o.subPriority = p
	}
}

// Deferred constructs the hook without applying it.
func Deferred() Option {
	return func(o *options) {
		o.deferred = true
	}
}

// WithConfig overrides the configuration loaded from the environment.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

var (
	defaultConfigOnce sync.Once
	defaultConfig     *config.Config
)

// loadConfig returns the configuration from DETOUR_CONFIG and the
// environment. A bad configuration is logged and the defaults are used.
func loadConfig() *config.Config {
	defaultConfigOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			log.Warn("using default configuration", "err", err)
			cfg = config.Default()
		}
		defaultConfig = cfg
	})
	return defaultConfig
}
