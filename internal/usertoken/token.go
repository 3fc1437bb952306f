package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"libraryhub/pkg/domain"
)

const (
	defaultIssuer  = "libraryhub"
	defaultTTL     = 30 * time.Minute
	defaultLeeway  = 30 * time.Second
	minSecretBytes = 32
)

var (
	ErrSecretTooShort = fmt.Errorf("token secret must be at least %d bytes", minSecretBytes)
	ErrInvalidToken   = errors.New("invalid token")
)

// Config configures access-token signing and verification.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Leeway time.Duration
}

// Claims is the normalized view of an access token.
type Claims struct {
	TokenID   string
	UserUID   string
	Email     string
	Role      domain.UserRole
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Identity converts the claims into the gate's caller identity.
func (c Claims) Identity() domain.Identity {
	return domain.Identity{UserUID: c.UserUID, Email: c.Email, Role: c.Role}
}

type tokenClaims struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	IsStaff bool   `json:"is_staff"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 access tokens.
type Codec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewCodec validates cfg and builds a codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, ErrSecretTooShort
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Codec{
		secret: []byte(cfg.Secret),
		issuer: issuer,
		ttl:    ttl,
		leeway: leeway,
		now:    time.Now,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue signs a token for user.
func (c *Codec) Issue(user domain.User) (string, Claims, error) {
	now := c.now().UTC().Truncate(time.Second)
	role := user.Role()
	rc := tokenClaims{
		Email:   user.Email,
		Role:    string(role),
		IsStaff: user.IsStaff,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserUID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rc).SignedString(c.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, normalize(rc), nil
}

// Verify checks signature, issuer and lifetime.
func (c *Codec) Verify(token string) (Claims, error) {
	return c.parse(token,
		jwt.WithIssuer(c.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
	)
}

// Inspect checks only the signature. Expired tokens still decode, which lets
// the audit trail attribute requests made with a stale credential.
func (c *Codec) Inspect(token string) (Claims, error) {
	return c.parse(token, jwt.WithoutClaimsValidation())
}

func (c *Codec) parse(token string, opts ...jwt.ParserOption) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	var rc tokenClaims
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := jwt.ParseWithClaims(token, &rc, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(rc.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	if strings.TrimSpace(rc.ID) == "" {
		return Claims{}, fmt.Errorf("%w: jti missing", ErrInvalidToken)
	}
	return normalize(rc), nil
}

func normalize(rc tokenClaims) Claims {
	out := Claims{
		TokenID: rc.ID,
		UserUID: rc.Subject,
		Email:   rc.Email,
		Role:    parseRole(rc.Role, rc.IsStaff),
	}
	if rc.IssuedAt != nil {
		out.IssuedAt = rc.IssuedAt.Time.UTC()
	}
	if rc.ExpiresAt != nil {
		out.ExpiresAt = rc.ExpiresAt.Time.UTC()
	}
	return out
}

func parseRole(raw string, isStaff bool) domain.UserRole {
	switch domain.UserRole(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.RoleAdmin:
		return domain.RoleAdmin
	case domain.RoleStaff:
		return domain.RoleStaff
	case domain.RoleUser:
		return domain.RoleUser
	}
	if isStaff {
		return domain.RoleStaff
	}
	return domain.RoleUser
}
