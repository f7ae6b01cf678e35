package fieldaudit

import (
	"encoding/json"
	"reflect"
)

// Delta maps audited field names to the change recorded for an event.
type Delta map[string]FieldDiff

// FieldDiff captures the change of a single field. Exactly the keys relevant
// to the event kind are serialized: {"new": v} on create and bootstrap,
// {"old": v} on delete, {"old": v, "new": v} on update, and {"add": [...]} /
// {"remove": [...]} on association mutation.
type FieldDiff struct {
	Old    any
	New    any
	OldSet bool
	NewSet bool
	Add    []any
	Remove []any
}

type fieldDiffJSON struct {
	Old    *any  `json:"old,omitempty"`
	New    *any  `json:"new,omitempty"`
	Add    []any `json:"add,omitempty"`
	Remove []any `json:"remove,omitempty"`
}

// MarshalJSON writes only the keys set on the diff. A set key with a nil
// value is serialized as an explicit null.
func (d FieldDiff) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if d.OldSet {
		out["old"] = d.Old
	}
	if d.NewSet {
		out["new"] = d.New
	}
	if len(d.Add) > 0 {
		out["add"] = d.Add
	}
	if len(d.Remove) > 0 {
		out["remove"] = d.Remove
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores key presence so a diff read back from the database
// distinguishes "old was null" from "old not recorded".
func (d *FieldDiff) UnmarshalJSON(data []byte) error {
	var raw fieldDiffJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	// Re-decode for presence: omitempty pointers cannot distinguish a
	// missing key from an explicit null.
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*d = FieldDiff{Add: raw.Add, Remove: raw.Remove}
	if rawOld, ok := keys["old"]; ok {
		d.OldSet = true
		if err := json.Unmarshal(rawOld, &d.Old); err != nil {
			return err
		}
	}
	if rawNew, ok := keys["new"]; ok {
		d.NewSet = true
		if err := json.Unmarshal(rawNew, &d.New); err != nil {
			return err
		}
	}
	return nil
}

// diffValues compares pre- and post-write field maps and produces a delta.
// An empty old map means the write created the record (new-only keys), an
// empty new map means it deleted the record (old-only keys). When both are
// present only fields whose value actually changed appear in the result.
// Values must already be encoder-normalized so equality is meaningful.
func diffValues(oldValues, newValues map[string]any) Delta {
	delta := Delta{}
	switch {
	case len(oldValues) == 0:
		for name, value := range newValues {
			delta[name] = FieldDiff{New: value, NewSet: true}
		}
	case len(newValues) == 0:
		for name, value := range oldValues {
			delta[name] = FieldDiff{Old: value, OldSet: true}
		}
	default:
		for name, newValue := range newValues {
			oldValue, ok := oldValues[name]
			if !ok {
				delta[name] = FieldDiff{New: newValue, NewSet: true}
				continue
			}
			if !equalValues(oldValue, newValue) {
				delta[name] = FieldDiff{Old: oldValue, New: newValue, OldSet: true, NewSet: true}
			}
		}
	}
	return delta
}

// snapshotDelta records every field as "new", the shape shared by create and
// bootstrap events.
func snapshotDelta(values map[string]any) Delta {
	delta := make(Delta, len(values))
	for name, value := range values {
		delta[name] = FieldDiff{New: value, NewSet: true}
	}
	return delta
}

// memberDiff computes the membership change of an association relative to
// its prior stored member set.
func memberDiff(prior, next []any) (added, removed []any) {
	priorSet := memberSet(prior)
	nextSet := memberSet(next)
	for _, pk := range next {
		if _, ok := priorSet[memberKey(pk)]; !ok {
			added = append(added, pk)
		}
	}
	for _, pk := range prior {
		if _, ok := nextSet[memberKey(pk)]; !ok {
			removed = append(removed, pk)
		}
	}
	return added, removed
}

func memberSet(members []any) map[string]struct{} {
	set := make(map[string]struct{}, len(members))
	for _, pk := range members {
		set[memberKey(pk)] = struct{}{}
	}
	return set
}

func memberKey(pk any) string {
	data, err := json.Marshal(pk)
	if err != nil {
		// Member keys are storage primary keys; non-serializable ones
		// cannot be stored anyway, so a degraded key is acceptable here.
		return reflect.TypeOf(pk).String()
	}
	return string(data)
}

// equalValues reports whether two encoder-normalized values are equal. The
// JSON comparison covers mixed numeric widths coming back from different
// drivers.
func equalValues(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aJSON) == string(bJSON)
}
