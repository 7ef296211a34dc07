package jsonutil

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// FlexibleInt reads an integer out of a decoded JSON value, handling cases where
// producers send numbers as strings or integers as floats after a JSONB round trip.
// Returns false for null, non-numeric and fractional values.
func FlexibleInt(v any) (int, bool) {
	switch val := v.(type) {
	case nil:
		return 0, false
	case int:
		return val, true
	case int32:
		return int(val), true
	case int64:
		return int(val), true
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return int(val), true
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
