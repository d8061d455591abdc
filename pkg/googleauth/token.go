package googleauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
)

// TokenSigner issues and validates the `mrp-auth` session cookie value. The
// cookie carries only the verified email and an expiry; it names no
// session store because the core is stateless between restarts (§6
// "Persisted state. None").
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner builds a signer with the given HMAC secret and session
// lifetime.
func NewTokenSigner(secret []byte, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenSigner{secret: secret, ttl: ttl}
}

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Generate issues a signed session token for email.
func (s *TokenSigner) Generate(email string) (string, error) {
	claims := sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.NewAuthError("signing session token: " + err.Error())
	}
	return signed, nil
}

// Resolve validates a session token and returns the email it carries. A
// missing, malformed, or expired token fails — the Authorizer renders the
// login page in every case rather than distinguishing why.
func (s *TokenSigner) Resolve(tokenString string) (string, bool) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	return claims.Email, true
}
