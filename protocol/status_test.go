package protocol

import "testing"

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name   string
		manual PinStatus
		open   int
		ready  int
		want   PinStatus
	}{
		{"open children force open", StatusClosed, 2, 0, StatusOpen},
		{"open children override ready", StatusReadyForInspection, 1, 3, StatusOpen},
		{"all ready yields ready", StatusOpen, 0, 3, StatusReadyForInspection},
		{"manual ready with no children", StatusReadyForInspection, 0, 0, StatusReadyForInspection},
		{"manual close with ready children stays ready", StatusClosed, 0, 2, StatusReadyForInspection},
		{"manual close with no children closes", StatusClosed, 0, 0, StatusClosed},
		{"no children and open manual stays open", StatusOpen, 0, 0, StatusOpen},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(tc.manual, tc.open, tc.ready)
			if got != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDeriveStatusNeverClosesOverChildren(t *testing.T) {
	// The manual flag alone must not close a parent while any child is
	// open or awaiting inspection.
	for open := 0; open <= 2; open++ {
		for ready := 0; ready <= 2; ready++ {
			got := DeriveStatus(StatusClosed, open, ready)
			if got == StatusClosed && (open > 0 || ready > 0) {
				t.Errorf("Derived closed with open=%d ready=%d", open, ready)
			}
		}
	}
}

func TestParentAggregateConsistent(t *testing.T) {
	agg := ParentAggregate{
		ChildrenTotal:  5,
		ChildrenOpen:   2,
		ChildrenReady:  2,
		ChildrenClosed: 1,
	}
	if !agg.Consistent() {
		t.Error("Expected consistent aggregate")
	}

	agg.ChildrenClosed = 2
	if agg.Consistent() {
		t.Error("Expected inconsistent aggregate when counts do not sum")
	}
}

func TestPinStatusValid(t *testing.T) {
	for _, s := range []PinStatus{StatusOpen, StatusReadyForInspection, StatusClosed} {
		if !s.Valid() {
			t.Errorf("Expected %s to be valid", s)
		}
	}
	if PinStatus("archived").Valid() {
		t.Error("Expected unknown status to be invalid")
	}
}
