package errs

import (
	pkgerr "github.com/pkg/errors"
)

// New builds a plain stack-carrying error with optional kv detail.
func New(msg string, kv ...any) error {
	return pkgerr.New(toString(msg, kv))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerr.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerr.Wrap(err, toString(msg, kv))
}
