package replica

import "errors"

var (
	ErrIndexOutOfRange = errors.New("replica: index out of range")
	ErrInvalidOp       = errors.New("replica: invalid op")
	ErrInvalidUpdate   = errors.New("replica: invalid update")
)
