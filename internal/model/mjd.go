package model

import "time"

// mjdEpoch is the Unix time of MJD 0 (1858-11-17T00:00:00Z).
var mjdEpoch = time.Date(1858, time.November, 17, 0, 0, 0, 0, time.UTC)

// MJD converts a wall-clock time to Modified Julian Day, the time unit
// used throughout the registry (spec.md §GLOSSARY).
func MJD(t time.Time) float64 {
	return t.UTC().Sub(mjdEpoch).Hours() / 24.0
}

// TimeFromMJD converts a Modified Julian Day back to a wall-clock time.
func TimeFromMJD(mjd float64) time.Time {
	return mjdEpoch.Add(time.Duration(mjd * 24 * float64(time.Hour)))
}
