package auth

import (
	"context"

	"github.com/taskhive/chatcore/tools/errs"
)

// SessionContext is the opaque material a transport collected while
// establishing a session. Identity is resolved from it exactly once, at
// session establishment; nothing downstream re-interprets raw attributes.
type SessionContext struct {
	Token      string
	RemoteAddr string
}

// Binding resolves a session to a stable user id or fails with
// Unauthenticated.
type Binding interface {
	ResolveUserID(ctx context.Context, sc SessionContext) (string, error)
}

// Static maps tokens to user ids directly; test and embedded use.
type Static struct {
	Users map[string]string // token -> user id
}

func (s *Static) ResolveUserID(_ context.Context, sc SessionContext) (string, error) {
	if uid, ok := s.Users[sc.Token]; ok && uid != "" {
		return uid, nil
	}
	return "", errs.ErrUnauthenticated.WrapMsg("unknown token")
}
