package gateway

import (
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/gateway/health"
)

// Strategy names an ordering policy for provider selection.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyWeighted   Strategy = "weighted"
	StrategyCost       Strategy = "cost"
	StrategyQuality    Strategy = "quality"
	StrategyRoundRobin Strategy = "round-robin"
)

// registration pairs a provider with its selection metadata.
type registration struct {
	provider   Provider
	descriptor Descriptor
}

// Registry holds the registered providers and orders them per strategy.
// Eligibility is judged against the live circuit and health state supplied
// by the owning gateway, so the registry itself stays free of back-pointers.
type Registry struct {
	logger *zap.Logger

	mu            sync.RWMutex
	registrations []registration
	rrCursor      int

	// circuitOpen 与 statusOf 由 gateway 注入，避免组件间循环引用
	circuitOpen func(name string) bool
	statusOf    func(name string) health.Status
}

// NewRegistry creates an empty registry. circuitOpen and statusOf may be nil,
// in which case every registered provider is considered eligible.
func NewRegistry(circuitOpen func(string) bool, statusOf func(string) health.Status, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:      logger.With(zap.String("component", "provider_registry")),
		circuitOpen: circuitOpen,
		statusOf:    statusOf,
	}
}

// Register adds a provider with its metadata. Registering the same name again
// replaces the previous entry.
func (r *Registry) Register(p Provider, d Descriptor) {
	if d.Name == "" {
		d.Name = p.Name()
	}
	if d.Weight <= 0 {
		d.Weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.registrations {
		if reg.descriptor.Name == d.Name {
			r.registrations[i] = registration{provider: p, descriptor: d}
			return
		}
	}
	r.registrations = append(r.registrations, registration{provider: p, descriptor: d})
	r.logger.Info("provider registered",
		zap.String("provider", d.Name),
		zap.Int("priority", d.Priority),
	)
}

// Providers returns every registered provider, unordered.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg.provider)
	}
	return out
}

// Descriptors returns the registered metadata, unordered.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg.descriptor)
	}
	return out
}

// Select returns the ordered list of providers to try for one request.
// Providers whose circuit is OPEN or whose health is unhealthy are excluded;
// degraded providers are appended after healthy ones regardless of strategy.
func (r *Registry) Select(strategy Strategy) []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	var healthy, degraded []registration
	for _, reg := range r.registrations {
		name := reg.descriptor.Name
		if r.circuitOpen != nil && r.circuitOpen(name) {
			continue
		}
		status := health.StatusUnknown
		if r.statusOf != nil {
			status = r.statusOf(name)
		}
		switch status {
		case health.StatusUnhealthy:
			continue
		case health.StatusDegraded:
			degraded = append(degraded, reg)
		default:
			// unknown providers have not failed yet; treat as healthy
			healthy = append(healthy, reg)
		}
	}

	r.order(strategy, healthy)
	r.order(strategy, degraded)

	out := make([]Provider, 0, len(healthy)+len(degraded))
	for _, reg := range healthy {
		out = append(out, reg.provider)
	}
	for _, reg := range degraded {
		out = append(out, reg.provider)
	}
	return out
}

// order sorts regs in place per strategy. Caller holds r.mu (round-robin and
// weighted mutate registry state).
func (r *Registry) order(strategy Strategy, regs []registration) {
	switch strategy {
	case StrategyWeighted:
		r.weightedShuffle(regs)
	case StrategyCost:
		sort.SliceStable(regs, func(i, j int) bool {
			return regs[i].descriptor.CostPerToken < regs[j].descriptor.CostPerToken
		})
	case StrategyQuality:
		sort.SliceStable(regs, func(i, j int) bool {
			return regs[i].descriptor.Quality > regs[j].descriptor.Quality
		})
	case StrategyRoundRobin:
		if len(regs) > 1 {
			offset := r.rrCursor % len(regs)
			r.rrCursor++
			rotated := make([]registration, 0, len(regs))
			rotated = append(rotated, regs[offset:]...)
			rotated = append(rotated, regs[:offset]...)
			copy(regs, rotated)
		} else {
			r.rrCursor++
		}
	default: // StrategyPriority
		sort.SliceStable(regs, func(i, j int) bool {
			return regs[i].descriptor.Priority < regs[j].descriptor.Priority
		})
	}
}

// weightedShuffle orders regs by repeated weighted draws without replacement.
func (r *Registry) weightedShuffle(regs []registration) {
	for i := 0; i < len(regs)-1; i++ {
		total := 0
		for _, reg := range regs[i:] {
			total += reg.descriptor.Weight
		}
		pick := rand.Intn(total)
		for j := i; j < len(regs); j++ {
			pick -= regs[j].descriptor.Weight
			if pick < 0 {
				regs[i], regs[j] = regs[j], regs[i]
				break
			}
		}
	}
}
