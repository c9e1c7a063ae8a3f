package model

import "testing"

func TestRankOrdering(t *testing.T) {
	ordered := []SendStatus{StatusQueued, StatusSending, StatusSent}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Rank() >= ordered[i].Rank() {
			t.Fatalf("expected %s < %s", ordered[i-1], ordered[i])
		}
	}
	if StatusDelivered.Rank() != StatusError.Rank() {
		t.Fatalf("delivered and error must share the top rank")
	}
	if StatusSent.Rank() >= StatusDelivered.Rank() {
		t.Fatalf("sent must rank below delivered")
	}
}

func TestTerminal(t *testing.T) {
	cases := map[SendStatus]bool{
		StatusQueued:    false,
		StatusSending:   false,
		StatusSent:      false,
		StatusDelivered: true,
		StatusError:     true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Fatalf("Terminal(%s)=%v, expected %v", status, got, want)
		}
	}
}

func TestStatusesBelow(t *testing.T) {
	tests := []struct {
		status SendStatus
		want   int
	}{
		{StatusQueued, 0},
		{StatusSending, 1},
		{StatusSent, 2},
		{StatusDelivered, 3},
		{StatusError, 3},
	}
	for _, tc := range tests {
		below := StatusesBelow(tc.status)
		if len(below) != tc.want {
			t.Fatalf("StatusesBelow(%s) returned %d statuses, expected %d", tc.status, len(below), tc.want)
		}
		for _, s := range below {
			if s.Rank() >= tc.status.Rank() {
				t.Fatalf("StatusesBelow(%s) contained %s", tc.status, s)
			}
		}
	}
}

func TestStatusesBelowExcludesPeerTerminal(t *testing.T) {
	for _, s := range StatusesBelow(StatusDelivered) {
		if s == StatusError {
			t.Fatalf("error must not be replaceable by delivered")
		}
	}
}
