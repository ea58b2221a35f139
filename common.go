package mls

import (
	"crypto/subtle"
	"fmt"
)

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}

	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("Unknown enum value: %v", v)
}

// zeroize overwrites data in place.  Callers must not hold other references
// to the slice that they expect to survive.
func zeroize(data []byte) {
	if len(data) == 0 {
		return
	}
	zero := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zero)
}

func isZero(data []byte) bool {
	var acc byte
	for _, b := range data {
		acc |= b
	}
	return acc == 0
}
