package engine

import (
	"fmt"
	"time"
)

// ChangeKind classifies a difference between declared and observed state.
type ChangeKind string

const (
	// ChangeAdd: declared only.
	ChangeAdd ChangeKind = "add"

	// ChangeRemove: observed only.
	ChangeRemove ChangeKind = "remove"

	// ChangeUpdate: only the declared side changed relative to a baseline.
	// No baseline is kept, so the differ never emits it; the planner treats
	// it as apply-to-system.
	ChangeUpdate ChangeKind = "update"

	// ChangeConflict: both sides present with different values.
	ChangeConflict ChangeKind = "conflict"
)

// ChangeRecord is one entry of a Delta.
type ChangeRecord struct {
	Subject  Subject    `json:"subject"`
	Kind     ChangeKind `json:"kind"`
	Declared State      `json:"declared"`
	Observed State      `json:"observed"`
}

// String renders the record for logs and dry-run output.
func (r ChangeRecord) String() string {
	switch r.Kind {
	case ChangeAdd:
		return fmt.Sprintf("+ %s (%s)", r.Subject, r.Declared)
	case ChangeRemove:
		return fmt.Sprintf("- %s (%s)", r.Subject, r.Observed)
	default:
		return fmt.Sprintf("~ %s (config %s, system %s)", r.Subject, r.Declared, r.Observed)
	}
}

// Delta is the ordered set of differences between two snapshots.
type Delta struct {
	Records    []ChangeRecord `json:"records"`
	Kinds      []ResourceKind `json:"kinds"`
	DeclaredAt time.Time      `json:"declared_at"`
	ObservedAt time.Time      `json:"observed_at"`
}

// Empty reports whether the snapshots matched.
func (d *Delta) Empty() bool {
	return len(d.Records) == 0
}

// Count returns the number of records of one kind.
func (d *Delta) Count(kind ChangeKind) int {
	n := 0
	for _, r := range d.Records {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// Differ computes deltas. It holds no state; the zero value is ready to use.
type Differ struct{}

// NewDiffer creates a differ.
func NewDiffer() *Differ {
	return &Differ{}
}

// Diff compares a declared and an observed snapshot over the same universe.
// Records follow the subject total order, so identical inputs give
// identical output.
func (d *Differ) Diff(declared, observed *Snapshot) (*Delta, error) {
	if declared == nil || observed == nil {
		return nil, NewPermanentError("diff requires two snapshots", nil).WithCode(ErrCodeValidation)
	}
	if declared.Origin() != OriginDeclared {
		return nil, NewPermanentError(
			fmt.Sprintf("left snapshot has origin %s, want %s", declared.Origin(), OriginDeclared), nil,
		).WithCode(ErrCodeValidation)
	}
	if observed.Origin() != OriginObserved {
		return nil, NewPermanentError(
			fmt.Sprintf("right snapshot has origin %s, want %s", observed.Origin(), OriginObserved), nil,
		).WithCode(ErrCodeValidation)
	}

	kinds := declared.Kinds()
	if !sameKinds(kinds, observed.Kinds()) {
		return nil, NewPermanentError(
			fmt.Sprintf("snapshots cover different kinds: declared %v, observed %v", kinds, observed.Kinds()), nil,
		).WithCode(ErrCodeUniverseMismatch)
	}

	// Merge the two ordered subject lists.
	left := declared.Subjects()
	right := observed.Subjects()
	delta := &Delta{
		Records:    make([]ChangeRecord, 0),
		Kinds:      kinds,
		DeclaredAt: declared.TakenAt(),
		ObservedAt: observed.TakenAt(),
	}

	i, j := 0, 0
	for i < len(left) || j < len(right) {
		var c int
		switch {
		case i == len(left):
			c = 1
		case j == len(right):
			c = -1
		default:
			c = left[i].Compare(right[j])
		}

		switch {
		case c < 0:
			st, _ := declared.Get(left[i])
			delta.Records = append(delta.Records, ChangeRecord{
				Subject:  left[i],
				Kind:     ChangeAdd,
				Declared: st,
				Observed: Absent(),
			})
			i++
		case c > 0:
			st, _ := observed.Get(right[j])
			delta.Records = append(delta.Records, ChangeRecord{
				Subject:  right[j],
				Kind:     ChangeRemove,
				Declared: Absent(),
				Observed: st,
			})
			j++
		default:
			dst, _ := declared.Get(left[i])
			ost, _ := observed.Get(right[j])
			if !statesEqual(left[i], dst, ost) {
				delta.Records = append(delta.Records, ChangeRecord{
					Subject:  left[i],
					Kind:     ChangeConflict,
					Declared: dst,
					Observed: ost,
				})
			}
			i++
			j++
		}
	}

	return delta, nil
}

func sameKinds(a, b []ResourceKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
