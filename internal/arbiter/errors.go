package arbiter

import "errors"

// Error taxonomy for the Resource Arbiter (spec §4.4, §7).
var (
	ErrUnknownResource = errors.New("arbiter: unknown resource")
	ErrInfeasible      = errors.New("arbiter: request exceeds resource pool capacity")
	ErrDeadlock        = errors.New("arbiter: acquiring this request would deadlock")
)
