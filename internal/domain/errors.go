package domain

import "github.com/pkg/errors"

// authorization errors
var (
	ErrNotPositionOwner = errors.New("sender must be owner")
	ErrNotAdmin         = errors.New("caller is not the admin")
	ErrOnlyExecutor     = errors.New("only executor")
)

// validation errors
var (
	ErrInvalidInputs           = errors.New("invalid inputs")
	ErrZeroAmount              = errors.New("amount must be > 0")
	ErrPositionNotFound        = errors.New("position not found")
	ErrPairNotAllowed          = errors.New("pair not allowed")
	ErrDuplicateTokens         = errors.New("duplicate tokens")
	ErrSameValue               = errors.New("same value")
	ErrMinSlippageTooLarge     = errors.New("min slippage too large")
	ErrInvalidSlippage         = errors.New("invalid slippage")
	ErrInvalidSwapPath         = errors.New("invalid swap path")
	ErrParamsLengthMismatch    = errors.New("params lengths must be equal")
	ErrTokenInNotWrappedNative = errors.New("tokenIn must be wrapped native")
	ErrInvalidPayload          = errors.New("invalid payload")
)

// state precondition errors
var (
	ErrSystemPaused        = errors.New("system is paused")
	ErrInsufficientFund    = errors.New("insufficient fund")
	ErrDepositBelowDCA     = errors.New("deposit for at least 1 DCA")
	ErrNotTimeToDCA        = errors.New("not time to DCA")
	ErrTokenPairNotAllowed = errors.New("token pair not allowed")
	ErrNothingToWithdraw   = errors.New("DCA asset amount must be > 0")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCustodyInvariant    = errors.New("ledger claims exceed custody")
)

// external dependency errors
var (
	ErrInsufficientOutputAmount = errors.New("insufficient output amount")
	ErrSwapExpired              = errors.New("swap deadline expired")
	ErrNoPool                   = errors.New("no pool for pair")
	ErrInsufficientLiquidity    = errors.New("insufficient liquidity")
)

// Kind classifies an error by the part of the taxonomy it belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindValidation
	KindStatePrecondition
	KindExternal
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindStatePrecondition:
		return "state_precondition"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

var kinds = map[error]Kind{
	ErrNotPositionOwner: KindAuthorization,
	ErrNotAdmin:         KindAuthorization,
	ErrOnlyExecutor:     KindAuthorization,

	ErrInvalidInputs:           KindValidation,
	ErrZeroAmount:              KindValidation,
	ErrPositionNotFound:        KindValidation,
	ErrPairNotAllowed:          KindValidation,
	ErrDuplicateTokens:         KindValidation,
	ErrSameValue:               KindValidation,
	ErrMinSlippageTooLarge:     KindValidation,
	ErrInvalidSlippage:         KindValidation,
	ErrInvalidSwapPath:         KindValidation,
	ErrParamsLengthMismatch:    KindValidation,
	ErrTokenInNotWrappedNative: KindValidation,
	ErrInvalidPayload:          KindValidation,

	ErrSystemPaused:        KindStatePrecondition,
	ErrInsufficientFund:    KindStatePrecondition,
	ErrDepositBelowDCA:     KindStatePrecondition,
	ErrNotTimeToDCA:        KindStatePrecondition,
	ErrTokenPairNotAllowed: KindStatePrecondition,
	ErrNothingToWithdraw:   KindStatePrecondition,
	ErrInsufficientBalance: KindStatePrecondition,
	ErrCustodyInvariant:    KindStatePrecondition,

	ErrInsufficientOutputAmount: KindExternal,
	ErrSwapExpired:              KindExternal,
	ErrNoPool:                   KindExternal,
	ErrInsufficientLiquidity:    KindExternal,
}

// ErrorKind returns the taxonomy kind of err, unwrapping as needed.
func ErrorKind(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// MarshalText encodes the kind as its name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name; unknown names map to KindUnknown.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "authorization":
		*k = KindAuthorization
	case "validation":
		*k = KindValidation
	case "state_precondition":
		*k = KindStatePrecondition
	case "external":
		*k = KindExternal
	default:
		*k = KindUnknown
	}
	return nil
}
