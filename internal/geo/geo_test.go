package geo

import (
    "math"
    "testing"
)

func TestDistanceMeters(t *testing.T) {
    // same point
    if d := DistanceMeters(37.7749, -122.4194, 37.7749, -122.4194); d != 0 {
        t.Fatalf("same point: got %f", d)
    }
    // SF downtown to SFO is roughly 19 km great-circle
    d := DistanceMeters(37.7749, -122.4194, 37.6213, -122.3790)
    if d < 17000 || d > 20000 {
        t.Fatalf("SF->SFO: got %f", d)
    }
    // one degree of latitude is ~111.19 km
    d = DistanceMeters(0, 0, 1, 0)
    if math.Abs(d-111195) > 200 {
        t.Fatalf("one degree latitude: got %f", d)
    }
}

func TestParseCoord(t *testing.T) {
    if _, err := ParseCoord("37.774900", 90); err != nil { t.Fatalf("valid lat: %v", err) }
    if _, err := ParseCoord("-122.419400", 180); err != nil { t.Fatalf("valid lon: %v", err) }
    if _, err := ParseCoord("91.0", 90); err == nil { t.Fatal("lat out of range accepted") }
    if _, err := ParseCoord("-181", 180); err == nil { t.Fatal("lon out of range accepted") }
    if _, err := ParseCoord("abc", 90); err == nil { t.Fatal("garbage accepted") }
    if _, err := ParseCoord("", 90); err == nil { t.Fatal("empty accepted") }
}

func TestDistanceBetween(t *testing.T) {
    d, err := DistanceBetween("37.774900", "-122.419400", "37.774900", "-122.419400")
    if err != nil { t.Fatalf("unexpected error: %v", err) }
    if d != 0 { t.Fatalf("got %f", d) }
    if _, err := DistanceBetween("x", "0", "0", "0"); err == nil {
        t.Fatal("broken coordinate accepted")
    }
}
