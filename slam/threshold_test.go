package slam

import "testing"

func TestRelativeThreshold(t *testing.T) {
	th := DefaultCorrespondenceThreshold()
	tests := []struct {
		value, want int
	}{
		{0, 0},
		{5, 5},
		{12, 10},
		{30, 15},
		{40, 20},
		{100, 25},
	}
	for _, tt := range tests {
		if got := th.Threshold(tt.value); got != tt.want {
			t.Errorf("Threshold(%d) = %d, want %d", tt.value, got, tt.want)
		}
	}
	if th.HasValidThreshold(9) || !th.HasValidThreshold(10) {
		t.Error("HasValidThreshold must start at the lower bound")
	}
}
