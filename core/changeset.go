package core

// changeset.go holds the three tagged variants that compose the ledger's
// change-set algebra. Each variant is a small value type with an apply
// method; codecs are per-type and composed by struct fields rather than
// embedding.

// SetOrKeepTag / SetOrDeleteTag / SetUpdateOrDeleteTag are the 1-byte wire
// tags used by the codec.
type setOrKeepTag = byte
type setOrDeleteTag = byte
type sudTag = byte

const (
	tagSetOrKeepSet  setOrKeepTag = 0
	tagSetOrKeepKeep setOrKeepTag = 1

	tagSetOrDeleteSet    setOrDeleteTag = 0
	tagSetOrDeleteDelete setOrDeleteTag = 1

	tagSUDSet    sudTag = 0
	tagSUDUpdate sudTag = 1
	tagSUDDelete sudTag = 2
)

// SetOrKeep<T> represents a field-level change that either overwrites the
// field or leaves it untouched.
type SetOrKeep[T any] struct {
	isSet bool
	value T
}

// Keep returns a no-op SetOrKeep.
func Keep[T any]() SetOrKeep[T] { return SetOrKeep[T]{} }

// SetTo returns a SetOrKeep that overwrites with value.
func SetTo[T any](value T) SetOrKeep[T] { return SetOrKeep[T]{isSet: true, value: value} }

// IsSet reports whether this change overwrites the field.
func (s SetOrKeep[T]) IsSet() bool { return s.isSet }

// Value returns the overwrite value; only meaningful when IsSet().
func (s SetOrKeep[T]) Value() T { return s.value }

// Apply overwrites self with other when other is a Set; Keep is a no-op.
func (s SetOrKeep[T]) Apply(other SetOrKeep[T]) SetOrKeep[T] {
	if other.isSet {
		return other
	}
	return s
}

// ApplyTo resolves the change against a base value, returning base unchanged
// if this is Keep.
func (s SetOrKeep[T]) ApplyTo(base T) T {
	if s.isSet {
		return s.value
	}
	return base
}

// SetOrDelete<T> represents a field-level change that is always absolute:
// either the field is set to a value, or it is deleted. Unlike SetOrKeep,
// both variants overwrite; there is no "leave as is" option.
type SetOrDelete[T any] struct {
	deleted bool
	value   T
}

func SetValue[T any](v T) SetOrDelete[T] { return SetOrDelete[T]{value: v} }
func DeleteValue[T any]() SetOrDelete[T] { var z T; return SetOrDelete[T]{deleted: true, value: z} }

func (s SetOrDelete[T]) IsDelete() bool { return s.deleted }
func (s SetOrDelete[T]) Value() T       { return s.value }

// Apply always overwrites self with other (both variants are absolute).
func (s SetOrDelete[T]) Apply(other SetOrDelete[T]) SetOrDelete[T] { return other }

// sudKind distinguishes the three SetUpdateOrDelete variants without relying
// on a separate visitor hierarchy. sudAbsent occupies the zero value so that
// a map-miss (`m[addr]` on an unset key) reads as "no change recorded yet"
// rather than aliasing sudSet — Apply below treats it accordingly.
type sudKind int

const (
	sudAbsent sudKind = iota
	sudSet
	sudUpdate
	sudDelete
)

// SetUpdateOrDelete<T,V> is the top-level ledger change-set variant:
// Set(whole entry), Update(field-level patch), or Delete.
type SetUpdateOrDelete[T any, V any] struct {
	kind   sudKind
	setVal T
	update V
}

func Set[T, V any](v T) SetUpdateOrDelete[T, V]    { return SetUpdateOrDelete[T, V]{kind: sudSet, setVal: v} }
func Update[T, V any](u V) SetUpdateOrDelete[T, V] { return SetUpdateOrDelete[T, V]{kind: sudUpdate, update: u} }
func Delete[T, V any]() SetUpdateOrDelete[T, V]    { return SetUpdateOrDelete[T, V]{kind: sudDelete} }

func (s SetUpdateOrDelete[T, V]) IsSet() bool    { return s.kind == sudSet }
func (s SetUpdateOrDelete[T, V]) IsUpdate() bool { return s.kind == sudUpdate }
func (s SetUpdateOrDelete[T, V]) IsDelete() bool { return s.kind == sudDelete }
func (s SetUpdateOrDelete[T, V]) SetValue() T    { return s.setVal }
func (s SetUpdateOrDelete[T, V]) UpdateValue() V { return s.update }

// Apply composes s (older) with other (newer). applyUpdate folds a V onto
// a T field by field; defaultValue produces T's zero value when an Update
// lands on top of a Delete.
func (s SetUpdateOrDelete[T, V]) Apply(other SetUpdateOrDelete[T, V], applyUpdate func(T, V) T, defaultValue func() T, mergeUpdates func(V, V) V) SetUpdateOrDelete[T, V] {
	switch other.kind {
	case sudSet:
		return other
	case sudDelete:
		return other
	case sudUpdate:
		switch s.kind {
		case sudAbsent:
			return other
		case sudSet:
			return Set[T, V](applyUpdate(s.setVal, other.update))
		case sudUpdate:
			return Update[T, V](mergeUpdates(s.update, other.update))
		case sudDelete:
			return Set[T, V](applyUpdate(defaultValue(), other.update))
		}
	}
	return s
}
