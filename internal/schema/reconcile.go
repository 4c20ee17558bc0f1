// Package schema implements reconciliation between a table's stored logical
// schema and the schema declared by an incoming batch of write results.
package schema

import (
	"fmt"

	"github.com/tidemark/tidemark/pkg/types"
)

// VerdictKind classifies the relationship between a stored and an incoming schema.
type VerdictKind int

const (
	// Equal means field names, types, and nullability all match
	// (order-insensitive).
	Equal VerdictKind = iota

	// CanCast means the schemas differ but are losslessly mergeable: every
	// incoming field matches, strictly widens, or is new.
	CanCast

	// Incompatible means a field narrows, vanishes without a drop policy,
	// or cannot be cast losslessly.
	Incompatible
)

// String returns the verdict kind name.
func (k VerdictKind) String() string {
	switch k {
	case Equal:
		return "EQUAL"
	case CanCast:
		return "CAN_CAST"
	case Incompatible:
		return "INCOMPATIBLE"
	default:
		return fmt.Sprintf("VerdictKind(%d)", int(k))
	}
}

// Verdict is the result of reconciling a stored schema against an incoming one.
type Verdict struct {
	Kind VerdictKind

	// Merged is the union schema with widened types. Populated for CanCast.
	Merged types.Schema

	// Changed is true only if Merged differs from the stored schema; a pure
	// no-op re-send of the same schema reports Changed=false.
	Changed bool

	// Reason describes why the schemas are incompatible.
	Reason string

	// KeyColumnChanged marks an incompatibility that touches a primary-key
	// or range-key column. Such changes must never be merged and the caller
	// must fail fatally.
	KeyColumnChanged bool

	// DroppedColumns lists fields present in the stored schema but absent
	// from the incoming one, for the coordinator's logical-drop path.
	DroppedColumns []string

	// NonTrivial is true when the merge widened or added fields. Such
	// changes affect physically written files and require the table's
	// last-schema-change timestamp to advance; drop-only changes do not.
	NonTrivial bool
}

// Reconcile compares the stored schema against the incoming schema and
// classifies the relationship. rangeKeys and primaryKeys are the table's key
// columns: any type change on them is a structural incompatibility.
// allowFieldDrop reflects the logical-column-drop policy; when false, a
// stored field vanishing from the incoming schema is incompatible.
func Reconcile(stored, incoming types.Schema, rangeKeys, primaryKeys []string, allowFieldDrop bool) Verdict {
	keyCols := make(map[string]bool, len(rangeKeys)+len(primaryKeys))
	for _, k := range rangeKeys {
		keyCols[k] = true
	}
	for _, k := range primaryKeys {
		keyCols[k] = true
	}

	merged := stored.Clone()
	changed := false
	widenedOrAdded := false

	for _, in := range incoming.Fields {
		st, ok := stored.Field(in.Name)
		if !ok {
			// New field: appended to the union.
			merged.Fields = append(merged.Fields, in)
			changed = true
			widenedOrAdded = true
			continue
		}
		if st.Type == in.Type {
			if st.Nullable != in.Nullable {
				// Relaxing to nullable is a widening; the reverse narrows.
				if in.Nullable && !st.Nullable {
					setField(&merged, in.Name, in.Type, true)
					changed = true
					widenedOrAdded = true
					continue
				}
				return incompatible(fmt.Sprintf("field %s changes from nullable to non-nullable", in.Name), keyCols[in.Name])
			}
			if st.Dropped {
				// A logically dropped column reappearing is restored.
				setField(&merged, in.Name, in.Type, in.Nullable)
				changed = true
			}
			continue
		}
		if keyCols[in.Name] {
			return incompatible(fmt.Sprintf("type change of key column %s from %s to %s", in.Name, st.Type, in.Type), true)
		}
		if widens(st.Type, in.Type) {
			setField(&merged, in.Name, in.Type, st.Nullable || in.Nullable)
			changed = true
			widenedOrAdded = true
			continue
		}
		return incompatible(fmt.Sprintf("cannot cast field %s from %s to %s", in.Name, st.Type, in.Type), false)
	}

	// Fields present before but absent now.
	var dropped []string
	for _, st := range stored.Fields {
		if st.Dropped {
			continue
		}
		if !incoming.HasField(st.Name) {
			if keyCols[st.Name] {
				return incompatible(fmt.Sprintf("key column %s removed", st.Name), true)
			}
			if !allowFieldDrop {
				return incompatible(fmt.Sprintf("field %s removed without logical-drop policy", st.Name), false)
			}
			dropped = append(dropped, st.Name)
		}
	}

	if !changed && len(dropped) == 0 {
		return Verdict{Kind: Equal, Merged: stored}
	}
	return Verdict{
		Kind:           CanCast,
		Merged:         merged,
		Changed:        changed,
		DroppedColumns: dropped,
		NonTrivial:     widenedOrAdded,
	}
}

func incompatible(reason string, keyChange bool) Verdict {
	return Verdict{Kind: Incompatible, Reason: reason, KeyColumnChanged: keyChange}
}

// setField overwrites the named field's type and nullability in the schema,
// clearing any drop marker.
func setField(s *types.Schema, name string, t types.DataType, nullable bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			s.Fields[i].Type = t
			s.Fields[i].Nullable = nullable
			s.Fields[i].Dropped = false
			return
		}
	}
}

// widens reports whether to is a strict lossless widening of from.
func widens(from, to types.DataType) bool {
	wider, ok := wideningChains[from]
	if !ok {
		return false
	}
	for _, t := range wider {
		if t == to {
			return true
		}
	}
	return false
}

// wideningChains enumerates the lossless cast targets for each type.
var wideningChains = map[types.DataType][]types.DataType{
	types.TypeInt8:    {types.TypeInt16, types.TypeInt32, types.TypeInt64},
	types.TypeInt16:   {types.TypeInt32, types.TypeInt64},
	types.TypeInt32:   {types.TypeInt64, types.TypeFloat64},
	types.TypeInt64:   {},
	types.TypeFloat32: {types.TypeFloat64},
	types.TypeDate:    {types.TypeTimestamp},
}
