// Package governance manages policy versioning, promotion gates,
// violation escalation, runtime guardrails and compliance attestations.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const (
	versionKeyPrefix = "polver/" // polver/<policy>/<version>
	activeKeyPrefix  = "polact/" // polact/<env>/<policy> → active version
)

var (
	// ErrVersionNotFound is returned for an unknown policy version.
	ErrVersionNotFound = errors.New("governance: policy version not found")

	// ErrVersionExists is returned when registering a duplicate version.
	ErrVersionExists = errors.New("governance: policy version already registered")

	// ErrGateFailed is returned when a required promotion gate rejects.
	ErrGateFailed = errors.New("governance: promotion gate failed")
)

// PolicyVersion is one immutable revision of a named policy.
type PolicyVersion struct {
	Policy       string    `json:"policy"`
	Version      string    `json:"version"` // semver
	Source       string    `json:"source"`  // rule text, e.g. a CEL expression
	RegisteredAt time.Time `json:"registered_at"`
}

// Gate checks whether a policy version may be promoted into an
// environment. Required gates block promotion on failure; optional gates
// only log.
type Gate interface {
	Name() string
	Check(ctx context.Context, pv *PolicyVersion, environment string) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc struct {
	GateName string
	Fn       func(ctx context.Context, pv *PolicyVersion, environment string) error
}

func (g GateFunc) Name() string { return g.GateName }
func (g GateFunc) Check(ctx context.Context, pv *PolicyVersion, environment string) error {
	return g.Fn(ctx, pv, environment)
}

type registeredGate struct {
	gate     Gate
	required bool
}

// Registry owns policy versions and their per-environment activations.
// At most one version of a policy is active in an environment.
type Registry struct {
	store  store.Store
	clock  func() time.Time
	logger *slog.Logger
	gates  map[string][]registeredGate // environment → gates
}

// NewRegistry creates a policy version registry.
func NewRegistry(s store.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  s,
		clock:  time.Now,
		logger: slog.Default().With("component", "governance"),
		gates:  make(map[string][]registeredGate),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the clock for deterministic testing.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// RegisterGate attaches a promotion gate to an environment.
func (r *Registry) RegisterGate(environment string, gate Gate, required bool) {
	r.gates[environment] = append(r.gates[environment], registeredGate{gate: gate, required: required})
}

// RegisterVersion stores a new immutable policy version. The version
// string must parse as semver.
func (r *Registry) RegisterVersion(ctx context.Context, policy, version, source string) (*PolicyVersion, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("governance: invalid version %q: %w", version, err)
	}

	pv := &PolicyVersion{
		Policy:       policy,
		Version:      v.String(),
		Source:       source,
		RegisteredAt: r.clock(),
	}
	key := versionKeyPrefix + policy + "/" + pv.Version
	if _, err := store.PutJSON(ctx, r.store, key, pv, 0); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return nil, ErrVersionExists
		}
		return nil, err
	}
	return pv, nil
}

// Versions lists all registered versions of a policy in ascending semver
// order.
func (r *Registry) Versions(ctx context.Context, policy string) ([]*PolicyVersion, error) {
	recs, err := r.store.Scan(ctx, versionKeyPrefix+policy+"/")
	if err != nil {
		return nil, err
	}
	out := make([]*PolicyVersion, 0, len(recs))
	for _, rec := range recs {
		var pv PolicyVersion
		if _, err := store.GetJSON(ctx, r.store, rec.Key, &pv); err != nil {
			return nil, err
		}
		out = append(out, &pv)
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.MustParse(out[i].Version).LessThan(semver.MustParse(out[j].Version))
	})
	return out, nil
}

// Promote activates a policy version in an environment after running the
// environment's gates. A required gate failure aborts the promotion and
// leaves the previous activation in place. Exactly one version of a
// policy is active per environment afterwards.
func (r *Registry) Promote(ctx context.Context, policy, version, environment string) (*PolicyVersion, error) {
	var pv PolicyVersion
	_, err := store.GetJSON(ctx, r.store, versionKeyPrefix+policy+"/"+version, &pv)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, rg := range r.gates[environment] {
		if gateErr := rg.gate.Check(ctx, &pv, environment); gateErr != nil {
			if rg.required {
				return nil, fmt.Errorf("%w: %s: %v", ErrGateFailed, rg.gate.Name(), gateErr)
			}
			r.logger.Warn("optional promotion gate failed",
				"gate", rg.gate.Name(), "policy", policy, "version", version,
				"environment", environment, "error", gateErr)
		}
	}

	key := activeKeyPrefix + environment + "/" + policy
	for {
		rec, getErr := r.store.Get(ctx, key)
		var rev int64
		if getErr == nil {
			rev = rec.Rev
		} else if !errors.Is(getErr, store.ErrNotFound) {
			return nil, getErr
		}
		if _, putErr := r.store.Put(ctx, key, []byte(pv.Version), rev); putErr != nil {
			if errors.Is(putErr, store.ErrRevisionMismatch) {
				continue
			}
			return nil, putErr
		}
		break
	}

	r.logger.Info("policy version promoted",
		"policy", policy, "version", pv.Version, "environment", environment)
	return &pv, nil
}

// Active returns the policy version currently active in an environment.
func (r *Registry) Active(ctx context.Context, policy, environment string) (*PolicyVersion, error) {
	rec, err := r.store.Get(ctx, activeKeyPrefix+environment+"/"+policy)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}

	var pv PolicyVersion
	_, err = store.GetJSON(ctx, r.store, versionKeyPrefix+policy+"/"+string(rec.Value), &pv)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pv, nil
}
