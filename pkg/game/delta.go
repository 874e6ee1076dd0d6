package game

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrPreconditionFailed is returned by [ApplyDeltas] when a delta's
// precondition does not match the state at application time. The caller must
// treat the whole delta set as rejected — no partial application is ever
// observable.
var ErrPreconditionFailed = errors.New("delta precondition failed")

// DeltaOp is the kind of mutation a [GameStateDelta] performs on a state key.
type DeltaOp string

const (
	// OpSet replaces the value under Key with Value.
	OpSet DeltaOp = "set"

	// OpIncrement adds the numeric Value to the numeric value under Key.
	// A missing key is treated as zero.
	OpIncrement DeltaOp = "increment"

	// OpAppend appends Value to the list under Key. A missing key is treated
	// as an empty list.
	OpAppend DeltaOp = "append"

	// OpRemove deletes Key from the state. Value is ignored.
	OpRemove DeltaOp = "remove"
)

// IsValid reports whether op is a recognised delta operation.
func (op DeltaOp) IsValid() bool {
	switch op {
	case OpSet, OpIncrement, OpAppend, OpRemove:
		return true
	}
	return false
}

// GameStateDelta is a single named mutation of one campaign state key.
//
// When Precondition is non-nil, the delta applies only if the value under Key
// immediately before application equals *Precondition (optimistic
// concurrency). A nil value inside the pointer means "key must be absent".
type GameStateDelta struct {
	// Op selects the mutation kind.
	Op DeltaOp `json:"op"`

	// Key is the state key being mutated (e.g., "character.hp",
	// "location", "inventory").
	Key string `json:"key"`

	// Value is the operand. Its expected type depends on Op: any JSON value
	// for set/append, a number for increment, ignored for remove.
	Value any `json:"value,omitempty"`

	// Precondition, when set, is the value Key must hold immediately before
	// this delta applies.
	Precondition *any `json:"precondition,omitempty"`
}

// Validate reports whether the delta is structurally sound, independent of
// any state it might be applied to.
func (d GameStateDelta) Validate() error {
	if !d.Op.IsValid() {
		return fmt.Errorf("delta: unknown op %q", d.Op)
	}
	if d.Key == "" {
		return fmt.Errorf("delta: empty key")
	}
	if d.Op == OpIncrement {
		if _, ok := asNumber(d.Value); !ok {
			return fmt.Errorf("delta: increment on %q requires a numeric value, got %T", d.Key, d.Value)
		}
	}
	return nil
}

// ApplyDeltas applies deltas in order to a deep copy of state and returns the
// resulting state. The input state is never modified.
//
// If any delta is structurally invalid or its precondition does not hold at
// its point in the sequence, ApplyDeltas returns an error (wrapping
// [ErrPreconditionFailed] for precondition mismatches) and the original state
// must be considered unchanged. Later deltas observe the effects of earlier
// ones, so within one turn a delta may depend on its predecessors.
func ApplyDeltas(state map[string]any, deltas []GameStateDelta) (map[string]any, error) {
	next := CloneState(state)

	for i, d := range deltas {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("apply deltas [%d]: %w", i, err)
		}
		if d.Precondition != nil {
			current, exists := next[d.Key]
			want := *d.Precondition
			if want == nil {
				if exists {
					return nil, fmt.Errorf("apply deltas [%d]: key %q exists with value %v, expected absent: %w",
						i, d.Key, current, ErrPreconditionFailed)
				}
			} else if !exists || !valuesEqual(current, want) {
				return nil, fmt.Errorf("apply deltas [%d]: key %q is %v, expected %v: %w",
					i, d.Key, current, want, ErrPreconditionFailed)
			}
		}

		switch d.Op {
		case OpSet:
			next[d.Key] = d.Value

		case OpIncrement:
			inc, _ := asNumber(d.Value)
			base := 0.0
			if cur, ok := next[d.Key]; ok {
				n, ok := asNumber(cur)
				if !ok {
					return nil, fmt.Errorf("apply deltas [%d]: increment on non-numeric key %q (%T)", i, d.Key, cur)
				}
				base = n
			}
			next[d.Key] = base + inc

		case OpAppend:
			var list []any
			if cur, ok := next[d.Key]; ok {
				l, ok := cur.([]any)
				if !ok {
					return nil, fmt.Errorf("apply deltas [%d]: append on non-list key %q (%T)", i, d.Key, cur)
				}
				list = l
			}
			appended := make([]any, 0, len(list)+1)
			appended = append(appended, list...)
			next[d.Key] = append(appended, d.Value)

		case OpRemove:
			delete(next, d.Key)
		}
	}

	return next, nil
}

// CloneState returns a deep copy of a state map. Nested maps and slices are
// copied recursively; scalar values are shared (they are immutable JSON types).
func CloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneState(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// valuesEqual compares two state values for precondition purposes. Numbers
// compare by numeric value regardless of concrete type, so an int 10 written
// by Go code matches the float64 10 produced by JSON decoding.
func valuesEqual(a, b any) bool {
	na, aok := asNumber(a)
	nb, bok := asNumber(b)
	if aok && bok {
		return na == nb
	}
	return reflect.DeepEqual(a, b)
}

// asNumber normalises the numeric types that can appear in a state map
// (JSON decoding yields float64; Go callers may use ints) to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
