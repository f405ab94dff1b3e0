package domain

// ResultCode is the outcome of an admission-level operation. Codes are
// answers to the caller, not failures of the exchange.
type ResultCode string

const (
	ResultSuccess             ResultCode = "SUCCESS"
	ResultClientAlreadyExists ResultCode = "CLIENT_ALREADY_EXISTS"
	ResultUnknownClient       ResultCode = "UNKNOWN_CLIENT"
	ResultExpiredOrder        ResultCode = "EXPIRED_ORDER"
	ResultNotEnoughStock      ResultCode = "NOT_ENOUGH_STOCK"
	ResultUnknownTicker       ResultCode = "UNKNOWN_TICKER"
)

// OK reports whether the code is SUCCESS.
func (c ResultCode) OK() bool { return c == ResultSuccess }

func (c ResultCode) String() string { return string(c) }
