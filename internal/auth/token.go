package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "print-manager"

var (
	ErrTokenInvalid = errors.New("authorization token invalid")
	ErrTokenUsed    = errors.New("authorization token already used")
)

// Claims bind a grant to the session and printer it was issued for.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Session  string `json:"sid"`
	Printer  string `json:"printer"`
}

type outstanding struct {
	session string
	expires time.Time
}

// Tokens issues single-use accept tokens. A token is only honoured while it
// is outstanding: consuming it or revoking its session retires it.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser

	mu      sync.Mutex
	pending map[string]outstanding
	used    map[string]time.Time
}

func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	t := &Tokens{
		secret:  key,
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]outstanding),
		used:    make(map[string]time.Time),
	}
	t.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(func() time.Time { return t.now() }),
	)
	return t, nil
}

func (t *Tokens) TTL() time.Duration { return t.ttl }

func (t *Tokens) Issue(userID, username, session, printer string) (string, *Claims, error) {
	now := t.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		Username: username,
		Session:  session,
		Printer:  printer,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	t.pending[claims.ID] = outstanding{session: session, expires: claims.ExpiresAt.Time}
	return signed, claims, nil
}

// Consume validates the token for session and printer and retires it.
func (t *Tokens) Consume(token, session, printer string) (*Claims, error) {
	claims := &Claims{}
	_, err := t.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Session != session || claims.Printer != printer {
		return nil, fmt.Errorf("%w: issued for another session or printer", ErrTokenInvalid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.now())

	if _, ok := t.used[claims.ID]; ok {
		return nil, ErrTokenUsed
	}
	if _, ok := t.pending[claims.ID]; !ok {
		return nil, fmt.Errorf("%w: revoked", ErrTokenInvalid)
	}
	delete(t.pending, claims.ID)
	t.used[claims.ID] = claims.ExpiresAt.Time
	return claims, nil
}

// RevokeSession retires every outstanding token of session.
func (t *Tokens) RevokeSession(session string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, o := range t.pending {
		if o.session == session {
			delete(t.pending, id)
			n++
		}
	}
	return n
}

func (t *Tokens) prune(now time.Time) {
	for id, o := range t.pending {
		if now.After(o.expires) {
			delete(t.pending, id)
		}
	}
	for id, exp := range t.used {
		if now.After(exp) {
			delete(t.used, id)
		}
	}
}
