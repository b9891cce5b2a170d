// Package gnss implements the loosely-coupled GNSS position updater of
// spec.md §4.8: conversion of raw LLA fixes into a local ENU frame and a
// 3-DOF position residual update against the filter's global position
// state, including the lever-arm offset between the GNSS antenna and the
// IMU.
package gnss

import (
	"math"

	"github.com/openvio/vio-estimator/internal/types"
)

const (
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

// EnuProjector converts WGS-84 LLA fixes into a local East-North-Up frame
// anchored at a reference LLA. Resolved per spec.md §9: the legacy
// OpenVINS behavior re-derives the anchor from the *previous* fix on every
// call (drifting the ENU origin every update); LegacyENUAnchor=false (the
// default) instead fixes the anchor once, at the first fix it sees (the
// orchestrator seeds it with the latest fix queued before initialization),
// which is what a loosely-coupled filter actually requires for a
// consistent local-tangent-plane linearization.
type EnuProjector struct {
	legacy bool
	anchor types.Vec3 // lat, lon, height (radians, radians, meters)
	has    bool
	prev   types.Vec3
}

func NewEnuProjector(legacy bool) *EnuProjector {
	return &EnuProjector{legacy: legacy}
}

// Reset clears the anchor so the next fix re-establishes it.
func (e *EnuProjector) Reset() {
	e.has = false
}

// ToENU converts llaRad (lat, lon in radians, height in meters) to local
// ENU meters relative to the projector's anchor, establishing or updating
// the anchor per the legacy/corrected policy.
func (e *EnuProjector) ToENU(llaRad types.Vec3) types.Vec3 {
	if !e.has {
		e.anchor = llaRad
		e.has = true
	} else if e.legacy {
		// legacy behavior: anchor tracks the previous fix, so every
		// residual is computed against a 1-step-stale local frame
		// rather than a fixed tangent plane.
		e.anchor = e.prev
	}
	enu := llaToEnu(llaRad, e.anchor)
	e.prev = llaRad
	return enu
}

// llaToEnu projects point (lat, lon, h in radians/meters) into the local
// ENU frame tangent at anchor, matching
// VioManager::ConvertLonLatHeiToENU's ECEF-differencing construction.
func llaToEnu(point, anchor types.Vec3) types.Vec3 {
	pEcef := llaToEcef(point)
	aEcef := llaToEcef(anchor)
	d := types.Vec3{pEcef[0] - aEcef[0], pEcef[1] - aEcef[1], pEcef[2] - aEcef[2]}

	lat, lon := anchor[0], anchor[1]
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	sinLon, cosLon := math.Sin(lon), math.Cos(lon)

	east := -sinLon*d[0] + cosLon*d[1]
	north := -sinLat*cosLon*d[0] - sinLat*sinLon*d[1] + cosLat*d[2]
	up := cosLat*cosLon*d[0] + cosLat*sinLon*d[1] + sinLat*d[2]
	return types.Vec3{east, north, up}
}

func llaToEcef(lla types.Vec3) types.Vec3 {
	lat, lon, h := lla[0], lla[1], lla[2]
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	sinLon, cosLon := math.Sin(lon), math.Cos(lon)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	x := (n + h) * cosLat * cosLon
	y := (n + h) * cosLat * sinLon
	z := (n*(1-wgs84E2) + h) * sinLat
	return types.Vec3{x, y, z}
}
