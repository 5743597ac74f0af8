package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// Notifier publishes items awaiting human review. Delivery is
// at-least-once; reviewers may receive the same item twice and their
// callbacks are deduplicated downstream.
type Notifier interface {
	Notify(ctx context.Context, item *contracts.DeliberationItem) error
}

// LogNotifier writes review requests to the structured log. It is the
// default notifier for deployments without an external review channel.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates the log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.Default().With("component", "hitl_notifier")}
}

// Notify logs the pending review.
func (n *LogNotifier) Notify(ctx context.Context, item *contracts.DeliberationItem) error {
	n.logger.InfoContext(ctx, "human review required",
		"item_id", item.ItemID,
		"message_id", item.MessageID,
		"score", item.ImpactScore.Score,
		"deadline", item.Deadline)
	return nil
}

// ReviewerClaims are the JWT claims carried by a reviewer callback
// token. The token scopes a reviewer to one item.
type ReviewerClaims struct {
	jwt.RegisteredClaims
	ItemID     string `json:"item_id"`
	ReviewerID string `json:"reviewer_id"`
}

// TokenIssuer mints and validates reviewer callback tokens.
type TokenIssuer struct {
	key    []byte
	issuer string
	clock  func() time.Time
}

// NewTokenIssuer creates an HMAC-signed token issuer.
func NewTokenIssuer(key []byte) *TokenIssuer {
	return &TokenIssuer{key: key, issuer: "agentbus/deliberation", clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (t *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	t.clock = clock
	return t
}

// Issue mints a token authorizing reviewerID to resolve itemID.
func (t *TokenIssuer) Issue(itemID, reviewerID string, ttl time.Duration) (string, error) {
	now := t.clock().UTC()
	claims := ReviewerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reviewerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    t.issuer,
		},
		ItemID:     itemID,
		ReviewerID: reviewerID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Validate parses the token and checks it authorizes the given item.
func (t *TokenIssuer) Validate(tokenString, itemID string) (*ReviewerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ReviewerClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", tok.Header["alg"])
			}
			return t.key, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(func() time.Time { return t.clock() }),
	)
	if err != nil {
		return nil, fmt.Errorf("deliberation: reviewer token invalid: %w", err)
	}
	claims, ok := token.Claims.(*ReviewerClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.ItemID != itemID {
		return nil, fmt.Errorf("deliberation: token scoped to item %q, not %q", claims.ItemID, itemID)
	}
	return claims, nil
}
