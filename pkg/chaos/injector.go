// Package chaos provides deterministic fault injection for resilience
// testing. A YAML profile names injection points and per-point fault
// probabilities; decisions derive from an HMAC-SHA256 keystream seeded
// by the profile, so a run with the same profile and request sequence
// reproduces exactly. A blast-radius cap bounds the fraction of
// concurrent requests affected, and an emergency stop disarms every
// point at once. The injector refuses to arm in production mode.
package chaos

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Fault is the kind of failure injected at a point.
type Fault string

const (
	FaultError   Fault = "error"
	FaultDelay   Fault = "delay"
	FaultTimeout Fault = "timeout"
)

// Point names an injection point in the pipeline.
type Point string

const (
	PointPolicyEvaluate Point = "policy.evaluate"
	PointImpactScore    Point = "impact.score"
	PointAuditEnqueue   Point = "audit.enqueue"
	PointBusDeliver     Point = "bus.deliver"
	PointStoreSave      Point = "store.save"
)

// Rule configures one injection point.
type Rule struct {
	Point       Point         `yaml:"point"`
	Fault       Fault         `yaml:"fault"`
	Probability float64       `yaml:"probability"`
	Delay       time.Duration `yaml:"delay,omitempty"`
}

// Profile is a named chaos configuration.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Profile struct {
	Name string `yaml:"name"`
	// Seed makes every injection decision reproducible.
	Seed string `yaml:"seed"`
	// BlastRadius caps the fraction of concurrent requests that may be
	// affected, in (0,1]. Default 0.1.
	BlastRadius float64 `yaml:"blast_radius"`
	Rules       []Rule  `yaml:"rules"`
}

// LoadProfile parses a YAML profile file.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chaos: read profile: %w", err)
	}
	return ParseProfile(raw)
}

// ParseProfile parses YAML profile bytes.
func ParseProfile(raw []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("chaos: parse profile: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("chaos: profile has no name")
	}
	if p.Seed == "" {
		return nil, fmt.Errorf("chaos: profile %q has no seed", p.Name)
	}
	if p.BlastRadius <= 0 || p.BlastRadius > 1 {
		p.BlastRadius = 0.1
	}
	for i, r := range p.Rules {
		if r.Probability < 0 || r.Probability > 1 {
			return nil, fmt.Errorf("chaos: rule %d has probability %v outside [0,1]", i, r.Probability)
		}
	}
	return &p, nil
}

// Injection is a fault decision returned to an injection point. The
// caller must invoke Done once the fault has been applied so blast
// radius accounting can release the slot.
type Injection struct {
	Fault Fault
	Delay time.Duration
	Done  func()
}

// Injector evaluates injection points against the armed profile. A nil
// or disarmed injector injects nothing; all methods are safe on nil.
type Injector struct {
	profile *Profile
	rules   map[Point]Rule

	mu      sync.Mutex
	counter uint64

	stopped  atomic.Bool
	inFlight atomic.Int64
	affected atomic.Int64
}

// ErrProductionMode is returned when arming is attempted in production.
var ErrProductionMode = fmt.Errorf("chaos: refusing to arm in production mode")

// New arms a profile. mode is the deployment mode; arming in
// "production" is refused outright.
func New(profile *Profile, mode string) (*Injector, error) {
	if mode == "production" {
		return nil, ErrProductionMode
	}
	rules := make(map[Point]Rule, len(profile.Rules))
	for _, r := range profile.Rules {
		rules[r.Point] = r
	}
	return &Injector{profile: profile, rules: rules}, nil
}

// EmergencyStop disarms every injection point immediately.
func (i *Injector) EmergencyStop() {
	if i != nil {
		i.stopped.Store(true)
	}
}

// Stopped reports whether the emergency stop is set.
func (i *Injector) Stopped() bool { return i != nil && i.stopped.Load() }

// Begin marks a request entering the pipeline; the returned func marks
// it leaving. Used for blast-radius accounting.
func (i *Injector) Begin() func() {
	if i == nil {
		return func() {}
	}
	i.inFlight.Add(1)
	return func() { i.inFlight.Add(-1) }
}

// At evaluates the injection point. Deterministic: the nth call across
// all points with the same profile yields the same decision.
func (i *Injector) At(point Point) (Injection, bool) {
	if i == nil || i.stopped.Load() {
		return Injection{}, false
	}
	rule, ok := i.rules[point]
	if !ok || rule.Probability == 0 {
		return Injection{}, false
	}

	i.mu.Lock()
	i.counter++
	roll := i.roll(i.counter)
	i.mu.Unlock()

	if roll >= rule.Probability {
		return Injection{}, false
	}

	// Blast radius: never affect more than the configured fraction of
	// in-flight requests. The slot is held until the caller calls Done.
	inFlight := i.inFlight.Load()
	affected := i.affected.Add(1)
	if inFlight > 0 && float64(affected) > i.profile.BlastRadius*float64(inFlight) {
		i.affected.Add(-1)
		return Injection{}, false
	}
	var once sync.Once
	return Injection{
		Fault: rule.Fault,
		Delay: rule.Delay,
		Done:  func() { once.Do(func() { i.affected.Add(-1) }) },
	}, true
}

// roll maps the counter to [0,1) via HMAC-SHA256(seed, counter).
func (i *Injector) roll(counter uint64) float64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	mac := hmac.New(sha256.New, []byte(i.profile.Seed))
	mac.Write(buf[:])
	v := binary.BigEndian.Uint64(mac.Sum(nil)[:8])
	return float64(v>>11) / float64(1<<53)
}

// ProfileName returns the armed profile name, for logs.
func (i *Injector) ProfileName() string {
	if i == nil {
		return ""
	}
	return i.profile.Name
}
