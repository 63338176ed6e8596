package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// InvariantError marks errors returned from Validate methods, when bookkeeping no longer
// describes the memory it manages
var InvariantError error = errors.New("memory bookkeeping invariant violated")
