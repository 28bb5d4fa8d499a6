// Package identity verifies caller assertions and carries the resulting
// identity through request contexts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the caller's role in the prescription flow
type Role string

const (
	RoleDoctor   Role = "Doctor"
	RolePharmacy Role = "Pharmacy"
	RolePatient  Role = "Patient"
)

// ParseRole matches a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "doctor":
		return RoleDoctor, true
	case "pharmacy":
		return RolePharmacy, true
	case "patient":
		return RolePatient, true
	}
	return "", false
}

// Identity is the verified caller
type Identity struct {
	SubjectID int64
	Role      Role
}

// Claim names issued by the upstream identity provider. The short names are
// accepted as well.
const (
	claimNameIdentifier = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	claimRole           = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"
)

var (
	ErrMissingAssertion = errors.New("missing identity assertion")
	ErrInvalidAssertion = errors.New("invalid identity assertion")
)

// Verifier checks HS256-signed assertions
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier. An empty issuer disables the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a bearer token and extracts the identity.
func (v *Verifier) Verify(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingAssertion
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	sub := claimString(claims, "sub", claimNameIdentifier)
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: subject %q is not a numeric id", ErrInvalidAssertion, sub)
	}

	role, ok := ParseRole(claimString(claims, "role", claimRole))
	if !ok {
		return nil, fmt.Errorf("%w: unknown role", ErrInvalidAssertion)
	}

	return &Identity{SubjectID: id, Role: role}, nil
}

// Sign issues an assertion for id. Used by tooling and tests.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  strconv.FormatInt(id.SubjectID, 10),
		"role": string(id.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func claimString(claims jwt.MapClaims, names ...string) string {
	for _, n := range names {
		switch v := claims[n].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

type ctxKey struct{}

// WithIdentity returns a context carrying id
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}
