package h3mapper

import (
	"testing"

	h3 "github.com/uber/h3-go/v4"
)

func TestBoxForCell_ContainsCellCenter(t *testing.T) {
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: 59.3293, Lng: 18.0686}, 5)
	if err != nil {
		t.Fatalf("LatLngToCell: %v", err)
	}

	bb, err := BoxForCell(cell.String())
	if err != nil {
		t.Fatalf("BoxForCell: %v", err)
	}
	if !(bb.South <= 59.3293 && 59.3293 <= bb.North) {
		t.Fatalf("latitude of seed point outside box %+v", bb)
	}
	if !(bb.West <= 18.0686 && 18.0686 <= bb.East) {
		t.Fatalf("longitude of seed point outside box %+v", bb)
	}
	if bb.East-bb.West > 5 {
		t.Fatalf("res 5 cell should be narrow, got %+v", bb)
	}
}

func TestBoxForCell_AntimeridianWraps(t *testing.T) {
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: 0, Lng: 179.99}, 2)
	if err != nil {
		t.Fatalf("LatLngToCell: %v", err)
	}
	bb, err := BoxForCell(cell.String())
	if err != nil {
		t.Fatalf("BoxForCell: %v", err)
	}
	if bb.East-bb.West > 180 {
		t.Fatalf("box must not span more than half the globe: %+v", bb)
	}
}

func TestBoxForCell_Invalid(t *testing.T) {
	if _, err := BoxForCell("not-a-cell"); err == nil {
		t.Fatalf("expected error for garbage cell")
	}
	if _, err := BoxForCell("0"); err == nil {
		t.Fatalf("expected error for zero cell")
	}
}

func TestCellForPoint(t *testing.T) {
	s, err := CellForPoint(55.6050, 13.0038, 7)
	if err != nil {
		t.Fatalf("CellForPoint: %v", err)
	}
	want, _ := h3.LatLngToCell(h3.LatLng{Lat: 55.6050, Lng: 13.0038}, 7)
	if s != want.String() {
		t.Fatalf("CellForPoint=%s want %s", s, want.String())
	}
	if _, err := CellForPoint(0, 0, 16); err == nil {
		t.Fatalf("expected error for res=16")
	}
}
