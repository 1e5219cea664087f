package tserver

import (
	"github.com/ValentinKolb/dTablet/lib/commit"
	"github.com/ValentinKolb/dTablet/lib/lifecycle"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/cockroachdb/errors"
)

// Client protocol errors. They are returned to the caller and never affect the node.
var (
	ErrNotServingTablet    = errors.New("tablet not served by this server")
	ErrNoSuchSession       = errors.New("no such session")
	ErrBadCredentials      = security.ErrBadCredentials
	ErrBadAuthorizations   = security.ErrBadAuthorizations
	ErrPermissionDenied    = errors.New("permission denied")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrHoldTimeout         = commit.ErrHoldTimeout
	ErrLockNotHeld         = errors.New("caller does not hold the coordinator lock")
	ErrTableNotFound       = errors.New("table not found")
)

// ErrCode identifies a client protocol error on the wire
type ErrCode uint8

const (
	CodeNone ErrCode = iota
	CodeInternal
	CodeNotServingTablet
	CodeNoSuchSession
	CodeBadCredentials
	CodeBadAuthorizations
	CodePermissionDenied
	CodeConstraintViolation
	CodeHoldTimeout
	CodeLockNotHeld
	CodeTableNotFound
)

var codes = []struct {
	code     ErrCode
	sentinel error
}{
	{CodeNotServingTablet, ErrNotServingTablet},
	{CodeNoSuchSession, ErrNoSuchSession},
	{CodeBadCredentials, ErrBadCredentials},
	{CodeBadAuthorizations, ErrBadAuthorizations},
	{CodePermissionDenied, ErrPermissionDenied},
	{CodeConstraintViolation, ErrConstraintViolation},
	{CodeHoldTimeout, ErrHoldTimeout},
	{CodeLockNotHeld, ErrLockNotHeld},
	{CodeTableNotFound, ErrTableNotFound},
}

// CodeOf classifies an error returned by the server
func CodeOf(err error) ErrCode {
	if err == nil {
		return CodeNone
	}
	var violations *commit.ViolationsError
	switch {
	case errors.As(err, &violations):
		return CodeConstraintViolation
	case errors.IsAny(err, commit.ErrTabletClosed, lifecycle.ErrNotServing):
		return CodeNotServingTablet
	}
	for _, c := range codes {
		if errors.Is(err, c.sentinel) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorOf rebuilds an error received with a code, errors.Is works with the sentinels
func ErrorOf(code ErrCode, msg string) error {
	if code == CodeNone {
		return nil
	}
	err := errors.New(msg)
	for _, c := range codes {
		if c.code == code {
			return errors.Mark(err, c.sentinel)
		}
	}
	return err
}
