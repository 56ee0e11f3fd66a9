package bucket

import (
	"regexp"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/trigger"
)

// nameRe is the shape of a legal bucket name: a letter followed by up
// to 62 word characters, so the name is usable verbatim as a table name.
var nameRe = regexp.MustCompile(`^[A-Za-z]\w{0,62}$`)

// ValidateName checks a bucket name against the naming rule and the
// reserved set.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) || reservedNames[name] {
		return &core.InvalidBucketNameError{Bucket: name}
	}
	return nil
}

// Validate checks a full bucket configuration: name, index schema and
// trigger references. Trigger names must resolve against the registry;
// an unknown name fails with NotFunctionError.
func Validate(b *core.Bucket, reg *trigger.Registry) error {
	if err := ValidateName(b.Name); err != nil {
		return err
	}

	for attr, field := range b.Index {
		if attr == "" || attr[0] == '_' {
			return &core.InvalidIndexError{Attribute: attr, Reason: "attribute name is reserved"}
		}
		if !nameRe.MatchString(attr) {
			return &core.InvalidIndexError{Attribute: attr, Reason: "attribute name is malformed"}
		}
		if !field.Type.Valid() {
			return &core.InvalidIndexTypeError{Attribute: attr, Type: string(field.Type)}
		}
		if field.Unique && field.Type.Array() {
			return &core.InvalidIndexError{Attribute: attr, Reason: "array indexes cannot be unique"}
		}
	}

	if b.Options.Version < 0 {
		return &core.InvalidBucketConfigError{Reason: "version must be non-negative"}
	}

	if reg != nil {
		if _, err := reg.ResolvePre(b.Pre); err != nil {
			return err
		}
		if _, err := reg.ResolvePost(b.Post); err != nil {
			return err
		}
	}
	return nil
}
