package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/holiman/uint256"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/degraded"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/freetier"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/metrics"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/payment"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/pricing"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/settlement"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

// ClaimVerifier abstracts the settlement round trip a Pipeline needs so
// tests can substitute a fake without a live Client.
type ClaimVerifier interface {
	VerifyClaim(ctx context.Context, params interface{}) (settlement.VerifyResult, error)
}

// Pipeline implements the dispatcher-level pre-handler steps: rate
// limiting, free-tier accounting, and payment claim extraction/
// verification respecting degraded-mode rules, before routing the packet
// to its registered Handler.
type Pipeline struct {
	dispatcher *Dispatcher
	limiter    RateLimiter
	freeTier   *freetier.Tracker
	settlement ClaimVerifier
	degradedC  *degraded.Controller
	cache      *payment.Cache
	tracker    *metrics.Tracker
	sessions   *SessionStore
	pricing    *pricing.Policy

	now func() time.Time
}

// RateLimiter is the subset of ratelimit.Limiter the Pipeline depends on.
type RateLimiter interface {
	TryConsume(peer string) bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithSessions attaches a SessionStore so an EVENT with no payment claim is
// admitted when its sender holds a live session; claims that are present are
// still verified.
func WithSessions(s *SessionStore) PipelineOption {
	return func(p *Pipeline) { p.sessions = s }
}

// WithPricing attaches a pricing.Policy used to enforce a minimum claim
// amount for stored events.
func WithPricing(policy *pricing.Policy) PipelineOption {
	return func(p *Pipeline) { p.pricing = policy }
}

// WithPipelineClock overrides the time source used to stamp responses.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline constructs a Pipeline. degradedC, cache, and tracker may be
// nil, in which case degraded-mode handling, claim memoization, and error
// throttling are each skipped (used by tests exercising a narrower slice).
func NewPipeline(
	dispatcher *Dispatcher,
	limiter RateLimiter,
	freeTier *freetier.Tracker,
	verifier ClaimVerifier,
	degradedC *degraded.Controller,
	cache *payment.Cache,
	tracker *metrics.Tracker,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		dispatcher: dispatcher,
		limiter:    limiter,
		freeTier:   freeTier,
		settlement: verifier,
		degradedC:  degradedC,
		cache:      cache,
		tracker:    tracker,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the full pre-handler gate for packet on behalf of dctx.Sender,
// then routes to the registered Handler. A nil return means the packet was
// silently dropped (e.g. a throttled rate-limit denial, which is itself
// rate-limited so a misbehaving peer can't amplify NOTICE traffic).
//
// dctx.Sender arrives set to the transport's per-connection identifier, but
// every packet declares its own sender address in Metadata.Sender; when that
// field is non-empty it is the peer's actual identity and overrides the
// connection-scoped placeholder, so rate limiting, free-tier accounting,
// stored-event provenance, and subscription registry keys are all scoped to
// the declared peer rather than to one ephemeral socket.
func (p *Pipeline) Process(ctx context.Context, dctx *Context, packet *wire.Packet) []*wire.Packet {
	if packet.Metadata.Sender != "" {
		dctx.Sender = packet.Metadata.Sender
	}

	if p.limiter != nil && !p.limiter.TryConsume(dctx.Sender) {
		if p.tracker != nil && !p.tracker.Handle(metrics.KindRateLimited, dctx.Sender, nil) {
			return nil
		}
		return []*wire.Packet{noticePacket(p.now(), "rate-limited: slow down")}
	}

	if packet.Type != wire.MessageEvent {
		return p.route(ctx, dctx, packet)
	}

	var e nostr.Event
	if err := json.Unmarshal(packet.Nostr, &e); err != nil {
		// Malformed payload: let the EVENT handler itself report it, since
		// that keeps the "invalid: malformed event" wording in one place.
		return p.route(ctx, dctx, packet)
	}

	claim, err := payment.Parse(&e)
	switch {
	case err == nil:
		// A syntactically valid claim was found; verify it below.
	case err == payment.ErrNoPaymentTag:
		if p.freeTierEligible(e.PubKey) {
			return p.route(ctx, dctx, packet)
		}
		if p.sessions != nil && p.sessions.Authenticated(dctx.Sender) {
			return p.route(ctx, dctx, packet)
		}
		return []*wire.Packet{noticePacket(p.now(), "restricted: payment required")}
	default:
		return []*wire.Packet{noticePacket(p.now(), "invalid: malformed payment claim")}
	}

	if p.freeTierEligible(e.PubKey) {
		dctx.Claim = claim
		return p.route(ctx, dctx, packet)
	}

	if p.degradedC != nil && p.degradedC.Degraded() {
		p.degradedC.Enqueue(&e, claim)
		dctx.Claim = claim
		return p.route(ctx, dctx, packet)
	}

	result, err := p.verifyClaim(ctx, claim)
	if err != nil {
		return []*wire.Packet{noticePacket(p.now(), "error: settlement verification unavailable")}
	}
	if !result.Valid {
		reason := result.Error
		if reason == "" {
			reason = "invalid payment signature"
		}
		return []*wire.Packet{noticePacket(p.now(), "restricted: "+reason)}
	}

	if p.pricing != nil {
		required := p.pricing.Amount(pricing.OperationStore, e.Kind)
		provided := new(uint256.Int).SetUint64(uint64(claim.AmountSat))
		if provided.Cmp(required) < 0 {
			return []*wire.Packet{noticePacket(p.now(), "restricted: insufficient payment")}
		}
	}

	dctx.Claim = claim
	return p.route(ctx, dctx, packet)
}

func (p *Pipeline) freeTierEligible(pubkey string) bool {
	if p.freeTier == nil {
		return false
	}
	status := p.freeTier.Check(pubkey)
	if status.Eligible {
		if !status.Whitelisted {
			go p.freeTier.Increment(pubkey)
		}
		return true
	}
	return false
}

func (p *Pipeline) verifyClaim(ctx context.Context, claim *payment.Claim) (payment.VerificationResult, error) {
	if p.cache != nil {
		if cached, ok := p.cache.Get(claim.ChannelID, claim.Nonce); ok {
			return cached, nil
		}
	}
	if p.settlement == nil {
		return payment.VerificationResult{}, nil
	}
	result, err := p.settlement.VerifyClaim(ctx, claim)
	if err != nil {
		return payment.VerificationResult{}, err
	}
	vr := payment.VerificationResult{Valid: result.Valid, Error: result.Error, VerifiedAt: p.now().Unix()}
	if p.cache != nil {
		_ = p.cache.Put(claim.ChannelID, claim.Nonce, vr)
	}
	return vr, nil
}

func (p *Pipeline) route(ctx context.Context, dctx *Context, packet *wire.Packet) []*wire.Packet {
	packets, err := p.dispatcher.Route(ctx, dctx, packet)
	if err != nil {
		return []*wire.Packet{noticePacket(p.now(), "error: "+err.Error())}
	}
	return packets
}
