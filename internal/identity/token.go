package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ppiankov/guardian/internal/model"
)

// Claims is the signed payload of a credential token.
type Claims struct {
	Role          model.Role `json:"role"`
	VerticalScope string     `json:"vertical_scope"`
	jwt.RegisteredClaims
}

// PrincipalID returns the subject claim.
func (c Claims) PrincipalID() string { return c.Subject }

// Expiry returns the token expiry, zero when absent.
func (c Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

func (a *Authority) issue(p *model.Principal) (IssuedToken, error) {
	now := a.now().UTC().Truncate(time.Second)
	exp := now.Add(a.ttl)
	claims := Claims{
		Role:          p.Role,
		VerticalScope: p.VerticalScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return IssuedToken{}, model.ErrInternal.Wrap(fmt.Errorf("sign token: %w", err))
	}
	return IssuedToken{Token: signed, ExpiresAt: exp, Claims: claims}, nil
}

// VerifyToken checks signature, algorithm, issuer and expiry.
// Every failure returns model.ErrInvalidToken.
func (a *Authority) VerifyToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, model.ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return nil, model.ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, model.ErrInvalidToken
	}
	if _, err := model.ParseRole(string(claims.Role)); err != nil {
		return nil, model.ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}
