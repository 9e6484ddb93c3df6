package geocode

import (
	"math"
	"strings"

	"conseries/internal/model"
)

// Correct converts coordinates a provider returns for countryCode into
// WGS-84. Mainland China results come back in GCJ-02 and are shifted back;
// every other country is returned unchanged.
func Correct(countryCode string, ll model.LatLng) model.LatLng {
	if !strings.EqualFold(countryCode, "CN") || outOfChina(ll.Lat, ll.Lng) {
		return ll
	}
	dLat, dLng := gcjDelta(ll.Lat, ll.Lng)
	return model.LatLng{Lat: ll.Lat - dLat, Lng: ll.Lng - dLng}
}

// toGCJ applies the GCJ-02 offset to a WGS-84 coordinate.
func toGCJ(ll model.LatLng) model.LatLng {
	if outOfChina(ll.Lat, ll.Lng) {
		return ll
	}
	dLat, dLng := gcjDelta(ll.Lat, ll.Lng)
	return model.LatLng{Lat: ll.Lat + dLat, Lng: ll.Lng + dLng}
}

// Krasovsky 1940 ellipsoid.
const (
	gcjA  = 6378245.0
	gcjEE = 0.00669342162296594323
)

func outOfChina(lat, lng float64) bool {
	return lng < 72.004 || lng > 137.8347 || lat < 0.8293 || lat > 55.8271
}

func gcjDelta(lat, lng float64) (float64, float64) {
	dLat := transformLat(lng-105.0, lat-35.0)
	dLng := transformLng(lng-105.0, lat-35.0)

	radLat := lat / 180.0 * math.Pi
	magic := math.Sin(radLat)
	magic = 1 - gcjEE*magic*magic
	sqrtMagic := math.Sqrt(magic)

	dLat = (dLat * 180.0) / ((gcjA * (1 - gcjEE)) / (magic * sqrtMagic) * math.Pi)
	dLng = (dLng * 180.0) / (gcjA / sqrtMagic * math.Cos(radLat) * math.Pi)
	return dLat, dLng
}

func transformLat(x, y float64) float64 {
	ret := -100.0 + 2.0*x + 3.0*y + 0.2*y*y + 0.1*x*y + 0.2*math.Sqrt(math.Abs(x))
	ret += (20.0*math.Sin(6.0*x*math.Pi) + 20.0*math.Sin(2.0*x*math.Pi)) * 2.0 / 3.0
	ret += (20.0*math.Sin(y*math.Pi) + 40.0*math.Sin(y/3.0*math.Pi)) * 2.0 / 3.0
	ret += (160.0*math.Sin(y/12.0*math.Pi) + 320*math.Sin(y*math.Pi/30.0)) * 2.0 / 3.0
	return ret
}

func transformLng(x, y float64) float64 {
	ret := 300.0 + x + 2.0*y + 0.1*x*x + 0.1*x*y + 0.1*math.Sqrt(math.Abs(x))
	ret += (20.0*math.Sin(6.0*x*math.Pi) + 20.0*math.Sin(2.0*x*math.Pi)) * 2.0 / 3.0
	ret += (20.0*math.Sin(x*math.Pi) + 40.0*math.Sin(x/3.0*math.Pi)) * 2.0 / 3.0
	ret += (150.0*math.Sin(x/12.0*math.Pi) + 300.0*math.Sin(x/30.0*math.Pi)) * 2.0 / 3.0
	return ret
}
