package store

import "github.com/lib/pq"

// pqErrorCode extracts the SQLSTATE from a lib/pq error, or "" if err is not
// a *pq.Error.
func pqErrorCode(err error) string {
	if pqErr, ok := err.(*pq.Error); ok {
		return string(pqErr.Code)
	}
	return ""
}
