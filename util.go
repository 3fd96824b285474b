package shmstore

import (
	"github.com/cockroachdb/errors"
)

// ErrNotPowerOfTwo is the error returned from CheckPow2 when the number
// being tested is not a power of two.
var ErrNotPowerOfTwo = errors.New("number must be a power of two")

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return errors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}
