package auth

import (
	"context"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/chatcore/tools/errs"
)

func signHS256(t *testing.T, secret []byte, claims jwtlib.MapClaims) string {
	t.Helper()
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestJWTBindingResolvesSubject(t *testing.T) {
	secret := []byte("test-secret")
	b := NewJWTBinding(secret)

	token := signHS256(t, secret, jwtlib.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	uid, err := b.ResolveUserID(context.Background(), SessionContext{Token: token})
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
}

func TestJWTBindingRejects(t *testing.T) {
	secret := []byte("test-secret")
	b := NewJWTBinding(secret)
	ctx := context.Background()

	_, err := b.ResolveUserID(ctx, SessionContext{})
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)

	wrongKey := signHS256(t, []byte("other-secret"), jwtlib.MapClaims{"sub": "alice"})
	_, err = b.ResolveUserID(ctx, SessionContext{Token: wrongKey})
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)

	noSub := signHS256(t, secret, jwtlib.MapClaims{"aud": "chat"})
	_, err = b.ResolveUserID(ctx, SessionContext{Token: noSub})
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)

	expired := signHS256(t, secret, jwtlib.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, err = b.ResolveUserID(ctx, SessionContext{Token: expired})
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestStaticBinding(t *testing.T) {
	b := &Static{Users: map[string]string{"tok-a": "alice"}}
	ctx := context.Background()

	uid, err := b.ResolveUserID(ctx, SessionContext{Token: "tok-a"})
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)

	_, err = b.ResolveUserID(ctx, SessionContext{Token: "tok-z"})
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}
