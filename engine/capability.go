package engine

// Capability wraps an optional sub-protocol. A disabled Capability behaves as
// logically absent: it never yields events and every operation routed through
// it is a no-op.
type Capability[T any] struct {
	inner   T
	enabled bool
}

// Enabled wraps a present sub-protocol.
func Enabled[T any](inner T) Capability[T] {
	return Capability[T]{inner: inner, enabled: true}
}

// Disabled returns an absent Capability.
func Disabled[T any]() Capability[T] {
	return Capability[T]{}
}

// Optional is Enabled for a non-nil inner value and Disabled otherwise.
func Optional[T any](inner T) Capability[T] {
	if any(inner) == nil {
		return Disabled[T]()
	}
	return Enabled(inner)
}

// IsEnabled reports whether the sub-protocol is present.
func (c Capability[T]) IsEnabled() bool {
	return c.enabled
}

// Get returns the inner sub-protocol if present.
func (c Capability[T]) Get() (T, bool) {
	return c.inner, c.enabled
}

// Do runs fn against the inner sub-protocol if present.
func (c Capability[T]) Do(fn func(T)) {
	if c.enabled {
		fn(c.inner)
	}
}

// Query runs fn against the inner sub-protocol of c if present and returns
// its result. An absent Capability yields the zero value and false.
func Query[T, R any](c Capability[T], fn func(T) (R, bool)) (R, bool) {
	if !c.enabled {
		var zero R
		return zero, false
	}
	return fn(c.inner)
}
