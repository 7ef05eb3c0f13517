package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrPaused             = errors.New("vault is paused")
	ErrReentrantCall      = errors.New("reentrant call")
	ErrZeroAmount         = errors.New("zero amount")
	ErrDepositCapExceeded = errors.New("deposit cap exceeded")
	ErrInsufficientShares = errors.New("insufficient spendable shares")
	ErrGroupActive        = errors.New("withdraw group already active")
	ErrGroupEmpty         = errors.New("withdraw group has no valuated requests")
	ErrGroupNotStarted    = errors.New("withdraw group not started")
	ErrGroupNotFulfilled  = errors.New("withdraw group not fulfilled")
	ErrGroupShortfall     = errors.New("withdraw group retrieval incomplete")
	ErrCursorOutOfRange   = errors.New("cursor out of range")
	ErrOracleUnavailable  = errors.New("oracle unavailable")
	ErrNoPriceAvailable   = errors.New("no price available")
	ErrDeviationExceeded  = errors.New("price deviation exceeded")
	ErrTokenNotTrusted    = errors.New("token not trusted")
	ErrConnectorDisabled  = errors.New("connector not enabled")
	ErrBlueprintInUse     = errors.New("position blueprint still in use")
	ErrSentinelPosition   = errors.New("sentinel position is not removable")
	ErrTransferShortfall  = errors.New("connector transfer shortfall")
	ErrFeeNotVested       = errors.New("fee shares not yet vested")
	ErrFeeWindowClosed    = errors.New("fee distribution window closed")
	ErrRateLimited        = errors.New("rate limited")
	ErrLockHeld           = errors.New("lock already held")
)
