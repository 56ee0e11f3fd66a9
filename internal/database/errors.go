package database

import (
	"errors"
	"regexp"
	"strings"

	"github.com/lib/pq"
	"github.com/stratadb/strata/internal/core"
)

// uniqueDetailRe matches the DETAIL line of a unique_violation error:
//
//	Key (email)=(a@x.com) already exists.
var uniqueDetailRe = regexp.MustCompile(`Key \(([^)]+)\)=\((.*)\) already exists`)

// TranslateError maps driver-level errors into the domain taxonomy.
// Unique-constraint violations become UniqueAttributeError with the
// offending column and value parsed out of the detail message; syntax
// and other unexpected engine errors become InternalError. Domain errors
// already in the taxonomy pass through untouched.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var named core.NamedError
	if errors.As(err, &named) {
		return err
	}

	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		switch {
		case pqerr.Code == "23505": // unique_violation
			attr, value := parseUniqueDetail(pqerr.Detail)
			if attr == "" {
				attr = pqerr.Constraint
			}
			return &core.UniqueAttributeError{Attribute: attr, Value: value}
		case strings.HasPrefix(string(pqerr.Code), "42"): // syntax or access rule
			return &core.InternalError{Cause: err}
		}
		return &core.InternalError{Cause: err}
	}

	return err
}

func parseUniqueDetail(detail string) (attribute, value string) {
	m := uniqueDetailRe.FindStringSubmatch(detail)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}
