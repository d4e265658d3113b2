package httpserver

import "strconv"

// parsePagination turns raw offset/limit query values into ints, defaulting
// offset to 0 and limit to 0 (meaning "let the usecase layer pick its own
// default") on anything unparsable or negative.
func parsePagination(rawOffset, rawLimit string) (offset, limit int) {
	if v, err := strconv.Atoi(rawOffset); err == nil && v > 0 {
		offset = v
	}
	if v, err := strconv.Atoi(rawLimit); err == nil && v > 0 {
		limit = v
	}
	return offset, limit
}

// parseInt64 parses a decimal int64, returning 0 on empty or invalid input.
func parseInt64(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseBool parses a query-string boolean, defaulting to def on empty or
// unrecognized input.
func parseBool(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
