package auth

import (
	"context"
	"fmt"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/taskhive/chatcore/tools/errs"
)

// JWTBinding resolves the user id from the `sub` claim of an HMAC-signed
// token supplied at session establishment.
type JWTBinding struct {
	Secret []byte
}

func NewJWTBinding(secret []byte) *JWTBinding {
	return &JWTBinding{Secret: secret}
}

func (b *JWTBinding) ResolveUserID(_ context.Context, sc SessionContext) (string, error) {
	if sc.Token == "" {
		return "", errs.ErrUnauthenticated.WrapMsg("missing token")
	}
	parsed, err := jwtlib.Parse(sc.Token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return b.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errs.ErrUnauthenticated.WrapMsg("token verify", "err", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errs.ErrUnauthenticated.WrapMsg("token missing sub")
	}
	return sub, nil
}
