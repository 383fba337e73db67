// Package geo provides the great-circle math shared by the location engine
// and the ping persister.
package geo

import "math"

// EarthRadiusMeters is the spherical Earth radius used for all distance
// computations in this service.
const EarthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two WGS84
// points given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(a))
}

// ValidLatLon reports whether a coordinate pair is inside WGS84 bounds.
func ValidLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// ValidHeading reports whether a heading is inside [0, 360).
func ValidHeading(deg float64) bool {
	return deg >= 0 && deg < 360
}
