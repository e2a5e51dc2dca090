package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// ErrCityTooLong is returned when a city name exceeds the maximum length.
var ErrCityTooLong = errors.New("city too long")

// ErrCityInvalidChars is returned when a city contains disallowed characters.
var ErrCityInvalidChars = errors.New("city contains invalid characters")

// ErrCoordinates is returned for missing, unparsable or out-of-range coordinates.
var ErrCoordinates = errors.New("invalid coordinates")

// ErrStationName is returned for a blank or oversized station name.
var ErrStationName = errors.New("invalid station name")

// ErrDays is returned for a history window outside the accepted range.
var ErrDays = errors.New("invalid days")

// MaxCityLen bounds city names in runes.
const MaxCityLen = 100

// MaxStationNameLen bounds station names in runes.
const MaxStationNameLen = 200

// MaxDays bounds history queries.
const MaxDays = 90

var validate = validator.New(validator.WithRequiredStructEnabled())

// Coordinates is a WGS84 position as received on the query string.
type Coordinates struct {
	Latitude  float64 `validate:"gte=-90,lte=90"`
	Longitude float64 `validate:"gte=-180,lte=180"`
}

// ParseCoordinates parses lat and lon. Both blank reports ok=false with no error so callers can fall
// back to IP resolution; exactly one blank is an error.
func ParseCoordinates(lat, lon string) (Coordinates, bool, error) {
	lat, lon = strings.TrimSpace(lat), strings.TrimSpace(lon)
	if lat == "" && lon == "" {
		return Coordinates{}, false, nil
	}
	if lat == "" || lon == "" {
		return Coordinates{}, false, fmt.Errorf("%w: lat and lon must be given together", ErrCoordinates)
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return Coordinates{}, false, fmt.Errorf("%w: lat %q is not a number", ErrCoordinates, lat)
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return Coordinates{}, false, fmt.Errorf("%w: lon %q is not a number", ErrCoordinates, lon)
	}
	c := Coordinates{Latitude: la, Longitude: lo}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Coordinates{}, false, fmt.Errorf("%w: %s out of range", ErrCoordinates, strings.ToLower(verrs[0].Field()))
		}
		return Coordinates{}, false, fmt.Errorf("%w: %v", ErrCoordinates, err)
	}
	return c, true, nil
}

// ValidateCity trims the input and restricts it to letters (Unicode), digits, space, comma, hyphen,
// period and apostrophe. A blank city is valid and returned as "".
func ValidateCity(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) > MaxCityLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ValidateStationName trims the input and checks it is non-blank and bounded. Station names are
// provider-defined, so no character set is imposed beyond excluding control characters.
func ValidateStationName(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 || len(r) > MaxStationNameLen {
		return "", ErrStationName
	}
	for _, c := range r {
		if unicode.IsControl(c) {
			return "", ErrStationName
		}
	}
	return s, nil
}

// ParseDays parses a history window in days. Blank yields def.
func ParseDays(input string, def int) (int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > MaxDays {
		return 0, fmt.Errorf("%w: must be an integer between 1 and %d", ErrDays, MaxDays)
	}
	return n, nil
}
