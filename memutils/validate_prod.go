//go:build !debug_mem_utils

package memutils

// DebugEnabled is true when the debug_mem_utils build tag is present
const DebugEnabled bool = false

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}

// DebugPanicf panics with the formatted message. Callers use it for programmer errors that are
// only logged in release builds. This method no-ops unless the debug_mem_utils build tag is present.
func DebugPanicf(format string, args ...any) {
}
