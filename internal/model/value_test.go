package model

import (
	"encoding/json"
	"testing"
)

func TestValueRoundTrip(t *testing.T) {
	orig := Map(map[string]Value{
		"path":   Path("/data/products/20260101.ms"),
		"count":  Int(16),
		"noise":  Float(0.0012),
		"ok":     Bool(true),
		"labels": List([]Value{String("a"), String("b")}),
	})

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !orig.Equal(got) {
		t.Fatalf("round trip mismatch: %v != %v", orig, got)
	}
}

func TestValueMapEqual(t *testing.T) {
	a := ValueMap{"x": Int(1), "y": String("z")}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatal("clone should be equal to original")
	}
	b["x"] = Int(2)
	if a.Equal(b) {
		t.Fatal("mutating clone should not affect original's equality")
	}
}

func TestMJDRoundTrip(t *testing.T) {
	mjd := 60000.5
	tm := TimeFromMJD(mjd)
	got := MJD(tm)
	if diff := got - mjd; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("MJD round trip = %v, want %v", got, mjd)
	}
}
