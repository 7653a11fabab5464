package slam

import (
	"reflect"
	"testing"
)

func TestSelectKeyFrames(t *testing.T) {
	db := NewDatabase(10)
	for f, x := range []float64{0, 1, 2, 4, 7, 11, 16, 23} {
		_ = db.SetPose(f, Pose{X: x})
	}

	tests := []struct {
		name  string
		count int
		keep  []int
		want  []int
	}{
		{"central first", 3, nil, []int{5, 7, 0}},
		{"kept frames lead", 3, []int{2}, []int{2, 7, 5}},
		{"invalid kept frames ignored", 2, []int{9}, []int{5, 7}},
		{"keep beyond count", 1, []int{0, 7}, []int{0, 7}},
		{"none", 0, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectKeyFrames(db, 0, 9, tt.count, tt.keep)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectKeyFrames() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectKeyFramesWithoutPoses(t *testing.T) {
	if got := SelectKeyFrames(NewDatabase(5), 0, 4, 3, nil); got != nil {
		t.Errorf("SelectKeyFrames() = %v, want nil", got)
	}
}
