package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"tirta.org/internal/billing"
	"tirta.org/internal/ids"
	"tirta.org/internal/store"
)

const (
	issuer                = "tirta"
	collectionCredentials = "credentials"
	minPasswordLength     = 8
	defaultTokenTTL       = 12 * time.Hour
)

var (
	// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	// ErrTooManyAttempts indicates the sign-in rate limit was hit.
	ErrTooManyAttempts = errors.New("session: too many sign-in attempts")
	// ErrInvalidToken indicates the token failed validation or was revoked.
	ErrInvalidToken = errors.New("session: invalid token")
	// ErrPartialProvisioning indicates a credential exists without a profile.
	// There is no rollback; the account needs manual repair.
	ErrPartialProvisioning = errors.New("session: account partially provisioned")
)

// Claims are the JWT claims carried by a session token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Session is an authenticated session handed to the caller on sign-in.
type Session struct {
	UID       string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// Service authenticates callers against credential documents and issues
// HS256 session tokens. Sign-out revokes the token id until its natural
// expiry.
type Service struct {
	st      store.Store
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
	revoker Revoker

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewService builds an authentication service. The revoker may be nil, in
// which case sign-out is a no-op and tokens live until expiry.
func NewService(st store.Store, secret []byte, revoker Revoker) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("session: auth secret is not configured")
	}
	if revoker == nil {
		revoker = NewMemoryRevoker()
	}
	return &Service{
		st:       st,
		secret:   secret,
		ttl:      defaultTokenTTL,
		now:      func() time.Time { return time.Now().UTC() },
		revoker:  revoker,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(2 * time.Second),
		burst:    5,
	}, nil
}

// SetClock overrides the time source. Test use only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetTokenTTL overrides the session token lifetime.
func (s *Service) SetTokenTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// SetSignInLimit overrides the per-email sign-in rate limit.
func (s *Service) SetSignInLimit(limit rate.Limit, burst int) {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	s.limit = limit
	s.burst = burst
	s.limiters = make(map[string]*rate.Limiter)
}

// SignIn verifies the credentials and issues a session token. Unknown
// accounts and wrong passwords are indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	if !s.allow(email) {
		return Session{}, ErrTooManyAttempts
	}

	docs, err := s.st.ListMany(ctx, store.Query{
		Collection: collectionCredentials,
		Field:      "email",
		Equals:     email,
	})
	if err != nil {
		return Session{}, fmt.Errorf("look up credentials: %w", err)
	}
	if len(docs) == 0 {
		return Session{}, ErrInvalidCredentials
	}
	cred := docs[0]
	hash, _ := cred.Data["passwordHash"].(string)
	if hash == "" {
		return Session{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}

	return s.issue(cred.ID, email)
}

// SignOut revokes the token until its natural expiry. Revoking an already
// invalid token is not an error.
func (s *Service) SignOut(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, ttl)
}

// Verify validates the token and returns the session identity.
func (s *Service) Verify(ctx context.Context, token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return "", fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Register provisions a new account: first the credential document, then
// the profile document under the same identity. A failure between the two
// writes is reported as ErrPartialProvisioning and is not rolled back.
func (s *Service) Register(ctx context.Context, profile billing.Profile, password string) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", err
	}
	if len(password) < minPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", billing.ErrInvalidInput, minPasswordLength)
	}
	email := strings.TrimSpace(strings.ToLower(profile.Email))

	existing, err := s.st.ListMany(ctx, store.Query{
		Collection: collectionCredentials,
		Field:      "email",
		Equals:     email,
	})
	if err != nil {
		return "", fmt.Errorf("look up credentials: %w", err)
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("%w: email already registered", billing.ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	uid := profile.ID
	if uid == "" {
		uid = ids.New()
	}
	credPath := store.JoinPath(collectionCredentials, uid)
	if _, err := s.st.Write(ctx, credPath, store.OpCreate, map[string]any{
		"email":        email,
		"passwordHash": string(hash),
	}); err != nil {
		return "", fmt.Errorf("create credential: %w", err)
	}

	profilePath := store.JoinPath(billing.CollectionUsers, uid)
	if _, err := s.st.Write(ctx, profilePath, store.OpCreate, profile.Fields()); err != nil {
		return uid, fmt.Errorf("%w: credential %s exists without a profile: %v", ErrPartialProvisioning, uid, err)
	}
	return uid, nil
}

func (s *Service) issue(uid, email string) (Session, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{UID: uid, Email: email, Token: signed, ExpiresAt: expires}, nil
}

func (s *Service) parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) allow(email string) bool {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	lim, ok := s.limiters[email]
	if !ok {
		lim = rate.NewLimiter(s.limit, s.burst)
		s.limiters[email] = lim
	}
	return lim.Allow()
}
