package chaos_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-platform/agentbus/pkg/chaos"
)

const profileYAML = `
name: policy-outage-drill
seed: drill-2026-03
blast_radius: 0.5
rules:
  - point: policy.evaluate
    fault: error
    probability: 0.5
  - point: audit.enqueue
    fault: delay
    probability: 0.2
    delay: 5ms
`

func armed(t *testing.T) *chaos.Injector {
	t.Helper()
	profile, err := chaos.ParseProfile([]byte(profileYAML))
	require.NoError(t, err)
	inj, err := chaos.New(profile, "staging")
	require.NoError(t, err)
	return inj
}

func TestParseProfile(t *testing.T) {
	profile, err := chaos.ParseProfile([]byte(profileYAML))
	require.NoError(t, err)
	assert.Equal(t, "policy-outage-drill", profile.Name)
	assert.Equal(t, 0.5, profile.BlastRadius)
	require.Len(t, profile.Rules, 2)
	assert.Equal(t, chaos.PointAuditEnqueue, profile.Rules[1].Point)
	assert.Equal(t, 5*time.Millisecond, profile.Rules[1].Delay)
}

func TestParseProfileRejectsInvalid(t *testing.T) {
	_, err := chaos.ParseProfile([]byte("name: x\nseed: s\nrules:\n  - point: p\n    probability: 1.5\n"))
	require.Error(t, err)

	_, err = chaos.ParseProfile([]byte("name: x\nrules: []\n"))
	require.Error(t, err, "seed is mandatory for reproducibility")
}

func TestRefusesProductionMode(t *testing.T) {
	profile, err := chaos.ParseProfile([]byte(profileYAML))
	require.NoError(t, err)

	_, err = chaos.New(profile, "production")
	assert.ErrorIs(t, err, chaos.ErrProductionMode)
}

func TestDeterministicDecisions(t *testing.T) {
	a := armed(t)
	b := armed(t)

	for n := 0; n < 200; n++ {
		injA, okA := a.At(chaos.PointPolicyEvaluate)
		injB, okB := b.At(chaos.PointPolicyEvaluate)
		require.Equal(t, okA, okB, "call %d diverged", n)
		if okA {
			assert.Equal(t, injA.Fault, injB.Fault)
			injA.Done()
			injB.Done()
		}
	}
}

func TestInjectionRateTracksProbability(t *testing.T) {
	inj := armed(t)

	hits := 0
	const trials = 2000
	for n := 0; n < trials; n++ {
		if fault, ok := inj.At(chaos.PointPolicyEvaluate); ok {
			hits++
			fault.Done()
		}
	}
	rate := float64(hits) / trials
	assert.InDelta(t, 0.5, rate, 0.05, "keystream approximates the configured probability")
}

func TestUnknownPointNeverInjects(t *testing.T) {
	inj := armed(t)
	_, ok := inj.At(chaos.PointBusDeliver)
	assert.False(t, ok)
}

func TestEmergencyStop(t *testing.T) {
	inj := armed(t)

	inj.EmergencyStop()
	assert.True(t, inj.Stopped())
	for n := 0; n < 100; n++ {
		_, ok := inj.At(chaos.PointPolicyEvaluate)
		assert.False(t, ok, "stopped injector must never inject")
	}
}

func TestBlastRadiusCap(t *testing.T) {
	profile, err := chaos.ParseProfile([]byte(`
name: full-on
seed: s
blast_radius: 0.25
rules:
  - point: policy.evaluate
    fault: error
    probability: 1.0
`))
	require.NoError(t, err)
	inj, err := chaos.New(profile, "staging")
	require.NoError(t, err)

	// Four in-flight requests; 25% radius allows only one concurrent
	// injection slot.
	var ends []func()
	for n := 0; n < 4; n++ {
		ends = append(ends, inj.Begin())
	}
	defer func() {
		for _, end := range ends {
			end()
		}
	}()

	granted := 0
	var done []func()
	for n := 0; n < 4; n++ {
		if fault, ok := inj.At(chaos.PointPolicyEvaluate); ok {
			granted++
			done = append(done, fault.Done)
		}
	}
	assert.Equal(t, 1, granted, "blast radius bounds concurrent injections")

	// Releasing the slot allows the next injection.
	for _, d := range done {
		d()
	}
	_, ok := inj.At(chaos.PointPolicyEvaluate)
	assert.True(t, ok)
}

func TestNilInjectorIsInert(t *testing.T) {
	var inj *chaos.Injector
	_, ok := inj.At(chaos.PointPolicyEvaluate)
	assert.False(t, ok)
	assert.False(t, inj.Stopped())
	inj.Begin()()
	inj.EmergencyStop()
}
