package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerify(t *testing.T) {
	v := NewVerifier("secret", "rxfill")

	token, err := v.Sign(Identity{SubjectID: 42, Role: RolePharmacy}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.SubjectID != 42 || id.Role != RolePharmacy {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyLongClaimNames(t *testing.T) {
	secret := []byte("secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		claimNameIdentifier: "7",
		claimRole:           "doctor",
		"exp":               time.Now().Add(time.Minute).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := NewVerifier("secret", "").Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.SubjectID != 7 || id.Role != RoleDoctor {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret", "rxfill")
	other := NewVerifier("other-secret", "rxfill")
	wrongIssuer := NewVerifier("secret", "someone-else")

	expired, _ := v.Sign(Identity{SubjectID: 1, Role: RoleDoctor}, -time.Minute)
	forged, _ := other.Sign(Identity{SubjectID: 1, Role: RoleDoctor}, time.Minute)
	misissued, _ := wrongIssuer.Sign(Identity{SubjectID: 1, Role: RoleDoctor}, time.Minute)
	badRole, _ := v.Sign(Identity{SubjectID: 1, Role: "Admin"}, time.Minute)
	badSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "abc", "role": "Doctor", "iss": "rxfill",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1", "role": "Doctor", "iss": "rxfill",
	}).SignedString([]byte("secret"))

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingAssertion},
		{"garbage", "not-a-token", ErrInvalidAssertion},
		{"expired", expired, ErrInvalidAssertion},
		{"wrong secret", forged, ErrInvalidAssertion},
		{"wrong issuer", misissued, ErrInvalidAssertion},
		{"unknown role", badRole, ErrInvalidAssertion},
		{"non-numeric subject", badSubject, ErrInvalidAssertion},
		{"no expiry", noExpiry, ErrInvalidAssertion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("empty context must not carry an identity")
	}
	ctx := WithIdentity(context.Background(), &Identity{SubjectID: 3, Role: RolePatient})
	id, ok := FromContext(ctx)
	if !ok || id.SubjectID != 3 || id.Role != RolePatient {
		t.Errorf("got %+v, %v", id, ok)
	}
}
