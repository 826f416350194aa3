package database

import (
	"database/sql"
	"math"
	"strconv"
	"strings"
)

// decodeFloat converts a textual numeric column into a float64.
// NULL, empty, unparsable and non-finite values decode to 0.
func decodeFloat(ns sql.NullString) float64 {
	if !ns.Valid {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(ns.String), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// decodeInt converts a textual count column into an int64, with the
// same fallback rules as decodeFloat.
func decodeInt(ns sql.NullString) int64 {
	if !ns.Valid {
		return 0
	}
	s := strings.TrimSpace(ns.String)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	return int64(decodeFloat(ns))
}

// decodeOptionalFloat keeps NULL as nil so unset thresholds stay unset.
func decodeOptionalFloat(ns sql.NullString) *float64 {
	if !ns.Valid {
		return nil
	}
	v := decodeFloat(ns)
	return &v
}
