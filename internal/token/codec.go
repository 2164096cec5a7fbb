package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidSignature covers a wrong secret, a tampered payload, a foreign
	// algorithm and structurally malformed input.
	ErrInvalidSignature = errors.New("token: invalid signature")
	// ErrExpired is returned for a correctly signed token past its expiry.
	ErrExpired = errors.New("token: expired")

	ErrEmptySecret = errors.New("token: empty secret")
	ErrInvalidTTL  = errors.New("token: ttl must be positive")
	ErrSameSecret  = errors.New("token: access and refresh secrets must differ")
)

const signingAlg = "HS256"

// Claims is the identity payload embedded in both token kinds. Role is only
// set on access tokens.
type Claims struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AccessClaims builds the payload of an access token.
func AccessClaims(userID, username, role string) Claims {
	return Claims{UserID: userID, Username: username, Role: role}
}

// RefreshClaims builds the payload of a refresh token. The random jti keeps two
// tokens minted in the same second for the same user distinct.
func RefreshClaims(userID, username string) Claims {
	return Claims{
		UserID:           userID,
		Username:         username,
		RegisteredClaims: jwt.RegisteredClaims{ID: uuid.NewString()},
	}
}

// Encode signs claims with secret, stamping iat=now and exp=now+ttl.
func Encode(claims Claims, secret []byte, ttl time.Duration) (string, error) {
	return encodeAt(claims, secret, ttl, "", time.Now())
}

// Decode verifies the signature of raw against secret and that it has not
// expired.
func Decode(raw string, secret []byte) (*Claims, error) {
	return decodeAt(raw, secret, "", time.Now)
}

func encodeAt(claims Claims, secret []byte, ttl time.Duration, issuer string, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}

	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.Subject = claims.UserID
	if issuer != "" {
		claims.Issuer = issuer
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(secret)
}

func decodeAt(raw string, secret []byte, issuer string, now func() time.Time) (*Claims, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingAlg}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidSignature
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidSignature
	}

	return claims, nil
}

// Codec binds a secret, a TTL and a clock for one token kind.
type Codec struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// Option customises a Codec.
type Option func(*Codec)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIssuer stamps and requires the iss claim.
func WithIssuer(issuer string) Option {
	return func(c *Codec) { c.issuer = issuer }
}

// NewCodec fails fast on misconfiguration so it never surfaces per request.
func NewCodec(secret string, ttl time.Duration, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	c := &Codec{secret: []byte(secret), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encode signs claims with the codec's secret and TTL and returns the expiry
// stamped into the token.
func (c *Codec) Encode(claims Claims) (string, time.Time, error) {
	issuedAt := c.now()
	signed, err := encodeAt(claims, c.secret, c.ttl, c.issuer, issuedAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, jwt.NewNumericDate(issuedAt.Add(c.ttl)).Time, nil
}

// Decode verifies raw with the codec's secret.
func (c *Codec) Decode(raw string) (*Claims, error) {
	return decodeAt(raw, c.secret, c.issuer, c.now)
}

// TTL reports the lifetime of tokens minted by the codec.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Pair holds the access and refresh codecs.
type Pair struct {
	Access  *Codec
	Refresh *Codec
}

// NewPair builds both codecs and rejects a shared secret.
func NewPair(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration, opts ...Option) (*Pair, error) {
	if accessSecret != "" && accessSecret == refreshSecret {
		return nil, ErrSameSecret
	}
	access, err := NewCodec(accessSecret, accessTTL, opts...)
	if err != nil {
		return nil, err
	}
	refresh, err := NewCodec(refreshSecret, refreshTTL, opts...)
	if err != nil {
		return nil, err
	}
	return &Pair{Access: access, Refresh: refresh}, nil
}
