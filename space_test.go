package ppo

import (
	"reflect"
	"testing"
)

func TestRefineSpacesPadding(t *testing.T) {
	spaces := []Space{
		UniformBox(3, -1, 1),
		UniformBox(5, -1, 1),
		UniformBox(2, -1, 1),
	}
	refined, err := RefineSpaces(spaces, false)
	if err != nil {
		t.Fatal(err)
	}
	if refined.Size() != 5 {
		t.Errorf("expected size 5 but got %d", refined.Size())
	}

	withIDs, err := RefineSpaces(spaces, true)
	if err != nil {
		t.Fatal(err)
	}
	if withIDs.Size() != 6 {
		t.Errorf("expected size 6 but got %d", withIDs.Size())
	}
}

func TestRefineSpacesMixedTypes(t *testing.T) {
	spaces := []Space{
		UniformBox(3, -1, 1),
		Discrete(4),
	}
	if _, err := RefineSpaces(spaces, false); err == nil {
		t.Error("expected an error for mixed space types")
	}
}

func TestRefineSpacesDiscrete(t *testing.T) {
	spaces := []Space{Discrete(3), Discrete(5)}
	refined, err := RefineSpaces(spaces, false)
	if err != nil {
		t.Fatal(err)
	}
	if refined.Type != DiscreteType || refined.N != 5 {
		t.Errorf("unexpected refined space: %+v", refined)
	}
}

func TestPadVector(t *testing.T) {
	padded := PadVector([]float64{1, 2}, 5)
	expected := []float64{1, 2, 0, 0, 0}
	if !reflect.DeepEqual(padded, expected) {
		t.Errorf("expected %v but got %v", expected, padded)
	}

	same := []float64{1, 2, 3}
	if !reflect.DeepEqual(PadVector(same, 3), same) {
		t.Error("full-size vector should be unchanged")
	}
}
