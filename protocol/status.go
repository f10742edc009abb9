package protocol

// PinStatus is the lifecycle status of a pin or child defect.
type PinStatus string

const (
	StatusOpen               PinStatus = "Open"
	StatusReadyForInspection PinStatus = "ReadyForInspection"
	StatusClosed             PinStatus = "Closed"
)

// Valid reports whether s is one of the known statuses.
func (s PinStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusReadyForInspection, StatusClosed:
		return true
	}
	return false
}

// ParentAggregate is the parent-level rollup over a pin's child defects.
//
// It is derived data: clients never write it except through a full recompute
// from the current child set. Status is derived via DeriveStatus and is never
// independently settable.
type ParentAggregate struct {
	ChildrenTotal  int `json:"children_total"`
	ChildrenOpen   int `json:"children_open"`
	ChildrenReady  int `json:"children_ready"`
	ChildrenClosed int `json:"children_closed"`

	// ParentMixState is the manually set state of the parent pin itself.
	ParentMixState PinStatus `json:"parent_mix_state"`

	// Status is the derived display status.
	Status PinStatus `json:"status"`
}

// Consistent reports whether the count invariant holds:
// total == open + ready + closed.
func (a ParentAggregate) Consistent() bool {
	return a.ChildrenTotal == a.ChildrenOpen+a.ChildrenReady+a.ChildrenClosed
}

// DeriveStatus computes the display status of a parent pin from its manual
// state and the open/ready child counts. Precedence, in order:
//
//  1. manual Closed with no open and no ready children -> Closed
//  2. no open children, and either manual ReadyForInspection or at least
//     one ready child -> ReadyForInspection
//  3. otherwise -> Open
//
// It is a pure function of its inputs, which is what makes the recompute
// step safe to re-run in any order, any number of times.
func DeriveStatus(manual PinStatus, open, ready int) PinStatus {
	switch {
	case manual == StatusClosed && open == 0 && ready == 0:
		return StatusClosed
	case open == 0 && (manual == StatusReadyForInspection || ready > 0):
		return StatusReadyForInspection
	default:
		return StatusOpen
	}
}
