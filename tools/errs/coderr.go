package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// Error codes for the messaging core. Codes are stable; clients match on them.
const (
	CodeUnauthenticated  = 1101 // no resolvable identity on the session
	CodeUnauthorized     = 1102 // identified but not allowed to send
	CodeForbidden        = 1103 // identified but not a conversation participant
	CodeInvalidPayload   = 1201 // empty or oversized body, malformed frame
	CodeNotFound         = 1301 // referenced message or conversation absent
	CodePublishFailed    = 1401 // broker did not durably accept the envelope
	CodeStoreUnavailable = 1402 // persistence backend down, consumer must retry
	CodeDisconnected     = 1501 // transport classified the peer as gone
	CodeInternal         = 1500
)

var (
	ErrUnauthenticated  = NewCodeError(CodeUnauthenticated, "unauthenticated")
	ErrUnauthorized     = NewCodeError(CodeUnauthorized, "unauthorized")
	ErrForbidden        = NewCodeError(CodeForbidden, "forbidden")
	ErrInvalidPayload   = NewCodeError(CodeInvalidPayload, "invalid payload")
	ErrNotFound         = NewCodeError(CodeNotFound, "not found")
	ErrPublishFailed    = NewCodeError(CodePublishFailed, "publish failed")
	ErrStoreUnavailable = NewCodeError(CodeStoreUnavailable, "store unavailable")
	ErrDisconnected     = NewCodeError(CodeDisconnected, "disconnected")
	ErrInternal         = NewCodeError(CodeInternal, "internal error")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// WrapMsg clones the coded error, appends detail built from msg and kv pairs,
// and attaches a stack via pkg/errors.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	ret := &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if ret.Detail == "" {
			ret.Detail = detail
		} else {
			ret.Detail += ", " + detail
		}
	}
	return pkgerr.WithStack(ret)
}

// Is matches on code so wrapped and detailed variants compare equal
// under errors.Is.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(toStr(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(toStr(kv[i+1]))
		}
	}
	return sb.String()
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(v)
	}
}
