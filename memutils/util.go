package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return value & int(^(alignment - 1))
}

// OnSamePage reports whether the last byte of resource A and the first byte of resource B
// fall on the same page of size pageSize. Resource A must precede resource B in memory.
func OnSamePage(resourceAOffset, resourceASize, resourceBOffset int, pageSize uint) bool {
	if pageSize <= 1 {
		return false
	}

	resourceAEnd := resourceAOffset + resourceASize - 1
	resourceAEndPage := AlignDown(resourceAEnd, pageSize)
	resourceBStartPage := AlignDown(resourceBOffset, pageSize)

	return resourceAEndPage == resourceBStartPage
}
