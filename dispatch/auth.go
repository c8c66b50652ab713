package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/nostr"
	"github.com/ALLiDoizCode/nostream-ilp-sub003/wire"
)

const (
	defaultChallengeTTL = 2 * time.Minute
	defaultSessionTTL   = time.Hour
)

// Authenticator issues NIP-42-shaped AUTH challenges signed with the relay's
// own identity key and mints a short-lived session JWT once a peer answers
// with a validly signed response. A payment claim carried by an EVENT is
// verified whatever the AUTH state; an EVENT with no claim at all is admitted
// while its sender holds a live session (see Pipeline.Process).
type Authenticator struct {
	priv       *btcec.PrivateKey
	relayURL   string
	signingKey []byte
	sessionTTL time.Duration

	mu         sync.Mutex
	challenges map[string]issuedChallenge
	now        func() time.Time
}

type issuedChallenge struct {
	value     string
	expiresAt time.Time
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithSessionTTL overrides the default 1h minted session token lifetime.
func WithSessionTTL(d time.Duration) AuthOption {
	return func(a *Authenticator) {
		if d > 0 {
			a.sessionTTL = d
		}
	}
}

// WithAuthClock overrides the time source (for deterministic tests).
func WithAuthClock(now func() time.Time) AuthOption {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator constructs an Authenticator. priv is the relay's own
// identity key; signingKey is the HMAC secret used to mint session JWTs.
func NewAuthenticator(priv *btcec.PrivateKey, relayURL string, signingKey []byte, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		priv:       priv,
		relayURL:   relayURL,
		signingKey: signingKey,
		sessionTTL: defaultSessionTTL,
		challenges: make(map[string]issuedChallenge),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type authChallengeBody struct {
	Challenge string `json:"challenge"`
}

type authResultBody struct {
	Token string `json:"token"`
}

// Challenge issues and records a fresh challenge for sender, returning the
// outbound AUTH packet to deliver to that peer.
func (a *Authenticator) Challenge(sender string) *wire.Packet {
	challenge := uuid.NewString()
	a.mu.Lock()
	a.challenges[sender] = issuedChallenge{value: challenge, expiresAt: a.now().Add(defaultChallengeTTL)}
	a.mu.Unlock()

	raw, _ := json.Marshal(authChallengeBody{Challenge: challenge})
	return wire.NewOutbound(wire.MessageAuth, wire.PaymentBlock{}, responseMetadata(a.now()), raw)
}

func (a *Authenticator) takeChallenge(sender string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	issued, ok := a.challenges[sender]
	if !ok {
		return "", false
	}
	delete(a.challenges, sender)
	if a.now().After(issued.expiresAt) {
		return "", false
	}
	return issued.value, true
}

func (a *Authenticator) mintToken(pubkey, sender string) (string, time.Time, error) {
	expiresAt := a.now().Add(a.sessionTTL)
	claims := jwt.MapClaims{
		"sub":    pubkey,
		"sender": sender,
		"iss":    a.relayURL,
		"exp":    expiresAt.Unix(),
		"iat":    a.now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("dispatch: mint session token: %w", err)
	}
	return signed, expiresAt, nil
}

// SessionStore tracks which senders hold a live, minted AUTH session token,
// letting the Pipeline skip repeated claim verification as an optimization.
type SessionStore struct {
	mu    sync.Mutex
	table map[string]time.Time // sender -> expiresAt
	now   func() time.Time
}

// NewSessionStore constructs an empty SessionStore.
func NewSessionStore(now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{table: make(map[string]time.Time), now: now}
}

// Put records sender's session as live until expiresAt.
func (s *SessionStore) Put(sender string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[sender] = expiresAt
}

// Authenticated reports whether sender currently holds a live session.
func (s *SessionStore) Authenticated(sender string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.table[sender]
	if !ok {
		return false
	}
	if s.now().After(expiresAt) {
		delete(s.table, sender)
		return false
	}
	return true
}

// AuthHandler implements the AUTH handler (message type 7): verify the
// peer's signed challenge response and, on success, mint a session token.
type AuthHandler struct {
	auth     *Authenticator
	sessions *SessionStore
	now      func() time.Time
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(auth *Authenticator, sessions *SessionStore) *AuthHandler {
	return &AuthHandler{auth: auth, sessions: sessions, now: time.Now}
}

// Type implements Handler.
func (h *AuthHandler) Type() wire.MessageType { return wire.MessageAuth }

// Handle implements Handler.
func (h *AuthHandler) Handle(_ context.Context, dctx *Context, packet *wire.Packet) ([]*wire.Packet, error) {
	var e nostr.Event
	if err := json.Unmarshal(packet.Nostr, &e); err != nil {
		return []*wire.Packet{noticePacket(h.now(), "invalid: malformed auth event")}, nil
	}
	if !nostr.Verify(&e) {
		return []*wire.Packet{noticePacket(h.now(), "invalid: auth signature verification failed")}, nil
	}

	relayTag, hasRelay := e.FirstTag("relay")
	challengeTag, hasChallenge := e.FirstTag("challenge")
	if !hasRelay || !hasChallenge || len(relayTag) < 2 || len(challengeTag) < 2 {
		return []*wire.Packet{noticePacket(h.now(), "invalid: auth event missing relay/challenge tag")}, nil
	}
	if relayTag[1] != h.auth.relayURL {
		return []*wire.Packet{noticePacket(h.now(), "invalid: auth relay mismatch")}, nil
	}

	expected, ok := h.auth.takeChallenge(dctx.Sender)
	if !ok || expected != challengeTag[1] {
		return []*wire.Packet{noticePacket(h.now(), "invalid: auth challenge mismatch")}, nil
	}

	token, expiresAt, err := h.auth.mintToken(e.PubKey, dctx.Sender)
	if err != nil {
		return []*wire.Packet{noticePacket(h.now(), "error: "+err.Error())}, nil
	}
	if h.sessions != nil {
		h.sessions.Put(dctx.Sender, expiresAt)
	}

	raw, _ := json.Marshal(authResultBody{Token: token})
	return []*wire.Packet{wire.NewOutbound(wire.MessageAuth, wire.PaymentBlock{}, responseMetadata(h.now()), raw)}, nil
}
