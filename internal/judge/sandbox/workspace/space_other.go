//go:build !linux && !darwin

package workspace

import "math"

func statSpace(string) (Space, error) {
	return Space{FreeBytes: math.MaxUint64, FreeInodes: math.MaxUint64}, nil
}
