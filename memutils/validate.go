package memutils

// Validatable is anything that can audit its own bookkeeping, such as block metadata or a
// memory pool. DebugValidate accepts it.
type Validatable interface {
	Validate() error
}
