package backend

import "github.com/cockroachdb/errors"

// ErrOutOfDeviceMemory marks errors returned from Backend.AllocateMemory when the driver could not
// satisfy the request for lack of memory. Allocators may retry with a smaller size.
var ErrOutOfDeviceMemory = errors.New("out of device memory")

// MarkOutOfMemory marks err so that errors.Is(err, ErrOutOfDeviceMemory) reports true
func MarkOutOfMemory(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrOutOfDeviceMemory)
}

// IsOutOfMemory reports whether err was marked with ErrOutOfDeviceMemory
func IsOutOfMemory(err error) bool {
	return errors.Is(err, ErrOutOfDeviceMemory)
}

// ErrTooManyAllocations marks errors returned when the device already holds as many memory
// allocations as it supports. Retrying with a smaller size cannot succeed.
var ErrTooManyAllocations = errors.New("too many device memory allocations")

// MarkTooManyAllocations marks err so that errors.Is(err, ErrTooManyAllocations) reports true
func MarkTooManyAllocations(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTooManyAllocations)
}

// IsTooManyAllocations reports whether err was marked with ErrTooManyAllocations
func IsTooManyAllocations(err error) bool {
	return errors.Is(err, ErrTooManyAllocations)
}
