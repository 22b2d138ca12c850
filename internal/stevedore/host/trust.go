package host

// Certified wraps a value sourced from a trusted provider-native mechanism
// (Docker labels, the signed state blob, live provider queries). Host-local
// processes cannot forge it.
type Certified[T any] struct {
	v T
}

// NewCertified asserts that v came from a provider-native source. Only
// provider adapters and the state-blob loader may call this; everything else
// receives already-wrapped values.
func NewCertified[T any](v T) Certified[T] {
	return Certified[T]{v: v}
}

// Value returns the certified value.
func (c Certified[T]) Value() T { return c.v }

// Reported wraps a value read from the host's own filesystem. Any process
// with host access can forge it, so it feeds idle heuristics only. The
// accessor is named Untrusted so that a security- or billing-relevant call
// site reading one of these is visibly wrong in review.
type Reported[T any] struct {
	v T
}

// NewReported wraps a host-reported value.
func NewReported[T any](v T) Reported[T] {
	return Reported[T]{v: v}
}

// Untrusted returns the reported value. The name is the point: grep for
// Untrusted() to audit every place reported data influences a decision.
func (r Reported[T]) Untrusted() T { return r.v }
