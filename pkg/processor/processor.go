// Package processor stitches the governance pipeline together. Every
// message passes the same stages in strict order: constitutional
// validation, role check, policy evaluation, impact scoring, routing,
// then dispatch to the fast lane or the deliberation queue. Any stage
// failure short-circuits with a typed error; audit and metering records
// are emitted fire-and-forget for accepted and rejected messages alike.
//
// Ordering: messages sharing a (from_agent, to_agent) pair are
// processed one at a time, so accepted messages reach the bus in
// acceptance order. Distinct pairs proceed concurrently.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/acgs-platform/agentbus/pkg/audit"
	"github.com/acgs-platform/agentbus/pkg/chaos"
	"github.com/acgs-platform/agentbus/pkg/constitution"
	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/deliberation"
	"github.com/acgs-platform/agentbus/pkg/impact"
	"github.com/acgs-platform/agentbus/pkg/maci"
	"github.com/acgs-platform/agentbus/pkg/metering"
	"github.com/acgs-platform/agentbus/pkg/policy"
	"github.com/acgs-platform/agentbus/pkg/routing"
)

// Outcome is the terminal disposition of a processed message.
type Outcome string

const (
	OutcomeDelivered Outcome = audit.DecisionDelivered
	OutcomeQueued    Outcome = audit.DecisionQueued
	OutcomeRejected  Outcome = audit.DecisionRejected
)

// Result reports what happened to a message.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Result struct {
	Outcome  Outcome                     `json:"outcome"`
	Lane     contracts.Lane              `json:"lane,omitempty"`
	Reasons  []routing.Reason            `json:"reasons,omitempty"`
	Score    contracts.ImpactScore       `json:"score"`
	Decision contracts.PolicyDecision    `json:"decision"`
	Item     *contracts.DeliberationItem `json:"item,omitempty"`
	Err      *contracts.BusError         `json:"error,omitempty"`
}

// Dispatcher is the fast-lane delivery surface the bus provides.
type Dispatcher interface {
	Send(ctx context.Context, msg *contracts.Message) error
	Broadcast(ctx context.Context, topic string, msg *contracts.Message) (int, error)
}

// Processor runs the pipeline.
type Processor struct {
	validator  *constitution.Validator
	roles      *maci.Registry
	policy     *policy.Client
	scorer     *impact.Scorer
	router     *routing.Router
	delib      *deliberation.Manager
	dispatcher Dispatcher
	auditQ     *audit.Queue
	meterQ     *metering.Queue
	injector   *chaos.Injector
	logger     *slog.Logger

	pairs sync.Map // pair key → *sync.Mutex
}

// New wires the pipeline. auditQ and meterQ may be nil in tests; the
// corresponding emissions are then skipped.
func New(
	validator *constitution.Validator,
	roles *maci.Registry,
	policyClient *policy.Client,
	scorer *impact.Scorer,
	router *routing.Router,
	delib *deliberation.Manager,
	dispatcher Dispatcher,
	auditQ *audit.Queue,
	meterQ *metering.Queue,
) *Processor {
	return &Processor{
		validator:  validator,
		roles:      roles,
		policy:     policyClient,
		scorer:     scorer,
		router:     router,
		delib:      delib,
		dispatcher: dispatcher,
		auditQ:     auditQ,
		meterQ:     meterQ,
		logger:     slog.Default().With("component", "processor"),
	}
}

// WithChaos arms the fault injector for the pipeline's labeled points.
func (p *Processor) WithChaos(injector *chaos.Injector) *Processor {
	p.injector = injector
	return p
}

// Process runs the full pipeline for one message. The returned error is
// the typed rejection cause and is nil for delivered and queued
// outcomes.
func (p *Processor) Process(ctx context.Context, msg *contracts.Message) (*Result, error) {
	lock := p.pairLock(msg.PairKey())
	lock.Lock()
	defer lock.Unlock()

	release := p.injector.Begin()
	defer release()

	res := &Result{}
	var tags []string

	if ctx.Err() != nil {
		return p.finish(ctx, msg, res, tags, contracts.NewBusError(contracts.ErrCancelled,
			"cancelled before validation"))
	}

	// Stage 1: constitutional validation.
	if err := p.validator.Check(msg); err != nil {
		return p.finish(ctx, msg, res, tags, err)
	}

	// Stage 2: role separation.
	if err := p.roles.Check(msg); err != nil {
		return p.finish(ctx, msg, res, tags, err)
	}

	if ctx.Err() != nil {
		return p.finish(ctx, msg, res, tags, contracts.NewBusError(contracts.ErrCancelled,
			"cancelled before policy evaluation"))
	}

	// Stage 3: policy evaluation.
	role, _ := p.roles.RoleOf(msg.FromAgent)
	pctx, done, err := p.inject(ctx, chaos.PointPolicyEvaluate)
	if err != nil {
		return p.finish(ctx, msg, res, tags, err)
	}
	decision, err := p.policy.Evaluate(pctx, policy.NewRequest(msg, role))
	done()
	res.Decision = decision
	if err != nil {
		return p.finish(ctx, msg, res, tags, err)
	}
	if decision.Decision == contracts.DecisionDeny {
		return p.finish(ctx, msg, res, tags,
			contracts.NewBusError(contracts.ErrPolicyDenied, "policy denied message").
				WithViolations(decision.Violations))
	}
	if unavailable, _ := decision.Metadata["policy_unavailable"].(bool); unavailable {
		tags = append(tags, "fail_open_allow")
	}

	// Stage 4: impact scoring. A scoring timeout is non-fatal; the
	// neutral fallback keeps routing deterministic.
	ictx, done, err := p.inject(ctx, chaos.PointImpactScore)
	if err != nil {
		done()
		res.Score = contracts.ImpactScore{MessageID: msg.MessageID, Score: 0.5}
		tags = append(tags, "score_fallback")
	} else {
		score, serr := p.scorer.Score(ictx, msg)
		done()
		switch {
		case serr == nil:
			res.Score = score
		case contracts.KindOf(serr) == contracts.ErrScoreTimeout:
			res.Score = score
			tags = append(tags, "score_fallback")
		default:
			return p.finish(ctx, msg, res, tags, contracts.NewBusError(contracts.ErrInternal,
				"impact scoring failed: %v", serr))
		}
	}
	msg.SetMetadata("impact_score", res.Score.Score)

	// Stage 5: routing.
	res.Lane, res.Reasons = p.router.Route(msg, res.Score)

	if ctx.Err() != nil {
		return p.finish(ctx, msg, res, tags, contracts.NewBusError(contracts.ErrCancelled,
			"cancelled before dispatch"))
	}

	// Stage 6: dispatch. The routing reasons travel with the score so
	// a high-risk action is banded by what it does, not what it scored.
	if res.Lane == contracts.LaneDeliberation {
		item, err := p.delib.Enqueue(ctx, msg, res.Score, res.Reasons...)
		if err != nil {
			return p.finish(ctx, msg, res, tags, contracts.NewBusError(contracts.ErrInternal,
				"deliberation enqueue failed: %v", err))
		}
		res.Item = item
		res.Outcome = OutcomeQueued
	} else {
		dctx, done, err := p.inject(ctx, chaos.PointBusDeliver)
		if err != nil {
			return p.finish(ctx, msg, res, tags, err)
		}
		if msg.Topic != "" {
			_, err = p.dispatcher.Broadcast(dctx, msg.Topic, msg)
		} else {
			err = p.dispatcher.Send(dctx, msg)
		}
		done()
		if err != nil {
			return p.finish(ctx, msg, res, tags, err)
		}
		res.Outcome = OutcomeDelivered
	}

	// Cancellation after dispatch does not undo delivery; it is recorded
	// on the audit trail instead.
	if ctx.Err() != nil {
		tags = append(tags, "cancelled_late")
	}
	return p.finish(ctx, msg, res, tags, nil)
}

// finish assigns the terminal outcome and emits audit and metering
// records. Both emissions are fire-and-forget.
func (p *Processor) finish(ctx context.Context, msg *contracts.Message, res *Result, tags []string, cause error) (*Result, error) {
	if cause != nil {
		res.Outcome = OutcomeRejected
		res.Err = asBusError(cause)
	}

	entry := audit.NewEntry(msg, string(res.Outcome), res.Lane)
	entry.PolicyFingerprint = res.Decision.InputFingerprint
	entry.Score = res.Score.Score
	entry.Tags = tags
	if res.Err != nil {
		entry = audit.WithError(entry, res.Err.Kind)
	}
	p.emitAudit(ctx, entry)
	p.emitUsage(msg, res)

	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

func (p *Processor) emitAudit(ctx context.Context, entry contracts.AuditEntry) {
	if p.auditQ == nil {
		return
	}
	if inj, ok := p.injector.At(chaos.PointAuditEnqueue); ok {
		defer inj.Done()
		switch inj.Fault {
		case chaos.FaultError, chaos.FaultTimeout:
			p.logger.WarnContext(ctx, "audit enqueue fault injected, entry dropped",
				"entry_id", entry.EntryID)
			return
		case chaos.FaultDelay:
			time.Sleep(inj.Delay)
		}
	}
	p.auditQ.Enqueue(entry)
}

func (p *Processor) emitUsage(msg *contracts.Message, res *Result) {
	if p.meterQ == nil {
		return
	}
	tenant := msg.TenantID
	if tenant == "" {
		tenant = "unattributed"
	}
	now := time.Now().UTC()
	p.meterQ.Enqueue(metering.Event{
		TenantID:  tenant,
		AgentID:   msg.FromAgent,
		MessageID: msg.MessageID,
		EventType: metering.EventMessageProcessed,
		Quantity:  1,
		Timestamp: now,
	})
	var eventType metering.EventType
	switch res.Outcome {
	case OutcomeDelivered:
		eventType = metering.EventMessageDelivered
	case OutcomeQueued:
		eventType = metering.EventDeliberationItem
	default:
		eventType = metering.EventMessageRejected
	}
	p.meterQ.Enqueue(metering.Event{
		TenantID:  tenant,
		AgentID:   msg.FromAgent,
		MessageID: msg.MessageID,
		EventType: eventType,
		Quantity:  1,
		Timestamp: now,
	})
}

// inject applies the armed fault for the point, if any. FaultError
// returns the injected error; FaultTimeout returns an already-expired
// context for the stage; FaultDelay sleeps before the stage runs. The
// returned func releases the injection slot and any derived context.
func (p *Processor) inject(ctx context.Context, point chaos.Point) (context.Context, func(), error) {
	inj, ok := p.injector.At(point)
	if !ok {
		return ctx, func() {}, nil
	}
	switch inj.Fault {
	case chaos.FaultError:
		inj.Done()
		return ctx, func() {}, contracts.NewBusError(contracts.ErrInternal,
			"injected fault at %s", point)
	case chaos.FaultTimeout:
		tctx, cancel := context.WithDeadline(ctx, time.Now())
		return tctx, func() { cancel(); inj.Done() }, nil
	case chaos.FaultDelay:
		time.Sleep(inj.Delay)
	}
	return ctx, inj.Done, nil
}

func (p *Processor) pairLock(key string) *sync.Mutex {
	actual, _ := p.pairs.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func asBusError(err error) *contracts.BusError {
	var be *contracts.BusError
	if errors.As(err, &be) {
		return be
	}
	return contracts.NewBusError(contracts.KindOf(err), "%v", err)
}
