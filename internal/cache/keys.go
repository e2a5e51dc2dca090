package cache

import (
	"crypto/md5"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// DeriveKey returns the cache key for a location. A non-blank city wins over coordinates:
// the key is the digest of the trimmed, lowercased city. Otherwise the key is the digest
// of both coordinates rounded to three decimals, so nearby points share one bucket.
func DeriveKey(lat, lon float64, city string) string {
	var source string
	if c := NormalizeCity(city); c != "" {
		source = "city:" + c
	} else {
		source = "coords:" + formatCoordinate(lat) + "," + formatCoordinate(lon)
	}
	sum := md5.Sum([]byte(source))
	return hex.EncodeToString(sum[:])
}

// NormalizeCity trims and lowercases a city name.
func NormalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// RoundCoordinate rounds half away from zero to three decimals.
func RoundCoordinate(v float64) float64 {
	r := math.Round(v*1000) / 1000
	if r == 0 {
		return 0 // collapse -0
	}
	return r
}

func formatCoordinate(v float64) string {
	return strconv.FormatFloat(RoundCoordinate(v), 'f', 3, 64)
}
