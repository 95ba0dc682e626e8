// Package apperr separates application errors, which carry a stable code that
// is always safe to show a client, from internal errors, which are reported
// to clients only as INTERNAL_ERROR.
package apperr

import "errors"

type Code string

const (
	WrongPhase          Code = "WRONG_PHASE"
	InsufficientBalance Code = "INSUFFICIENT_BALANCE"
	DuplicateBet        Code = "DUPLICATE_BET"
	InvalidAmount       Code = "INVALID_AMOUNT"
	InvalidAutoCashOut  Code = "INVALID_AUTO_CASH_OUT"
	AlreadySettled      Code = "ALREADY_SETTLED"
	NotFound            Code = "NOT_FOUND"
	NotValidToken       Code = "NOT_VALID_TOKEN"
	NotLoggedIn         Code = "NOT_LOGGED_IN"

	Internal Code = "INTERNAL_ERROR"
)

// Error is an expected, user-facing failure.
type Error struct {
	Code Code
}

func (e *Error) Error() string { return string(e.Code) }

// Is matches any *Error with the same code, so wrapped copies still compare.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrWrongPhase          = &Error{Code: WrongPhase}
	ErrInsufficientBalance = &Error{Code: InsufficientBalance}
	ErrDuplicateBet        = &Error{Code: DuplicateBet}
	ErrInvalidAmount       = &Error{Code: InvalidAmount}
	ErrInvalidAutoCashOut  = &Error{Code: InvalidAutoCashOut}
	ErrAlreadySettled      = &Error{Code: AlreadySettled}
	ErrNotFound            = &Error{Code: NotFound}
	ErrNotValidToken       = &Error{Code: NotValidToken}
	ErrNotLoggedIn         = &Error{Code: NotLoggedIn}
)

// IsApplication reports whether err (or anything it wraps) is an application error.
func IsApplication(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// ClientCode returns the code a client may see for err. nil maps to "".
func ClientCode(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
