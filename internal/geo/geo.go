// Package geo provides great-circle distance math for geofence matching.
package geo

import (
    "fmt"
    "math"
    "strconv"
)

const earthRadiusM = 6371000.0

// DistanceMeters returns the Haversine distance between two points given in
// decimal degrees.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
    dLat := (lat2 - lat1) * math.Pi / 180
    dLon := (lon2 - lon1) * math.Pi / 180
    a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
    c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
    return earthRadiusM * c
}

// ParseCoord parses a decimal-degree coordinate string and checks it against
// the given bound (90 for latitude, 180 for longitude).
func ParseCoord(s string, bound float64) (float64, error) {
    v, err := strconv.ParseFloat(s, 64)
    if err != nil {
        return 0, fmt.Errorf("invalid coordinate %q: %w", s, err)
    }
    if math.IsNaN(v) || v < -bound || v > bound {
        return 0, fmt.Errorf("coordinate %q out of range [-%g, %g]", s, bound, bound)
    }
    return v, nil
}

// DistanceBetween is DistanceMeters over stored string coordinates.
func DistanceBetween(lat1, lon1, lat2, lon2 string) (float64, error) {
    a1, err := ParseCoord(lat1, 90)
    if err != nil { return 0, err }
    o1, err := ParseCoord(lon1, 180)
    if err != nil { return 0, err }
    a2, err := ParseCoord(lat2, 90)
    if err != nil { return 0, err }
    o2, err := ParseCoord(lon2, 180)
    if err != nil { return 0, err }
    return DistanceMeters(a1, o1, a2, o2), nil
}
