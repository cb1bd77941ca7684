package governance

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"
)

// ErrGuardrail is returned when an enabled guardrail blocks an input.
var ErrGuardrail = errors.New("governance: guardrail violation")

// injectionPatterns flag common prompt and query smuggling attempts in
// free-text fields.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(the\s+)?system\s+prompt`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate)\s+table`),
	regexp.MustCompile(`(?i)<\s*script[\s>]`),
	regexp.MustCompile(`\$\{.*\}`), // template smuggling
}

// Guardrails performs pre-admission checks on intents. Each check is
// independently enableable; a disabled check always passes.
type Guardrails struct {
	mu sync.Mutex

	injectionEnabled bool

	rateEnabled bool
	limiters    map[string]*rate.Limiter
	ratePerMin  int64

	schemaEnabled bool
	schemas       map[string]*jsonschema.Schema // action → payload schema
}

// NewGuardrails creates a guardrail set with every check disabled.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		limiters: make(map[string]*rate.Limiter),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// EnableInjectionCheck turns on free-text injection scanning.
func (g *Guardrails) EnableInjectionCheck() { g.injectionEnabled = true }

// EnableRateCheck turns on per-actor call-rate abuse detection.
func (g *Guardrails) EnableRateCheck(perMinute int64) {
	g.rateEnabled = true
	g.ratePerMin = perMinute
}

// EnableSchemaCheck registers a JSON Schema that payloads for the given
// action must satisfy.
func (g *Guardrails) EnableSchemaCheck(action, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://tiller.schemas.local/guardrails/%s.schema.json", action)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("governance: guardrail schema load: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("governance: guardrail schema compile: %w", err)
	}
	g.mu.Lock()
	g.schemas[action] = compiled
	g.schemaEnabled = true
	g.mu.Unlock()
	return nil
}

// CheckText scans a free-text field for injection attempts.
func (g *Guardrails) CheckText(text string) error {
	if !g.injectionEnabled {
		return nil
	}
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			return fmt.Errorf("%w: injection pattern %q matched", ErrGuardrail, p.String())
		}
	}
	return nil
}

// CheckRate records one call by the actor and rejects when the actor
// exceeds the configured per-minute rate.
func (g *Guardrails) CheckRate(actorID string) error {
	if !g.rateEnabled {
		return nil
	}
	g.mu.Lock()
	lim, ok := g.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(g.ratePerMin)/60.0), int(g.ratePerMin))
		g.limiters[actorID] = lim
	}
	g.mu.Unlock()

	if !lim.Allow() {
		return fmt.Errorf("%w: call rate exceeded for actor %s", ErrGuardrail, actorID)
	}
	return nil
}

// CheckPayload validates an action payload against its registered
// schema. Actions without a schema pass.
func (g *Guardrails) CheckPayload(action string, payload map[string]any) error {
	if !g.schemaEnabled {
		return nil
	}
	g.mu.Lock()
	schema := g.schemas[action]
	g.mu.Unlock()
	if schema == nil {
		return nil
	}
	if payload == nil {
		return fmt.Errorf("%w: missing payload for action %s", ErrGuardrail, action)
	}
	if err := schema.Validate(payloadAsAny(payload)); err != nil {
		return fmt.Errorf("%w: payload schema: %v", ErrGuardrail, err)
	}
	return nil
}

// payloadAsAny widens the map for the validator.
func payloadAsAny(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
