package validation

import (
	"fmt"

	dErrors "caseguard/pkg/domain-errors"
)

// HTTP body limits
const (
	// MaxBodySize is the maximum allowed request body size (64 KB).
	// Sufficient for JSON APIs while preventing memory exhaustion attacks.
	MaxBodySize = 64 * 1024
)

// Slice element count limits
const (
	// MaxPrograms is the maximum number of program enrollments per client.
	MaxPrograms = 20

	// MaxSharedWith is the maximum number of explicit shares per client.
	MaxSharedWith = 50
)

// String element length limits
const (
	// MaxNameLength is the maximum length of a client name.
	MaxNameLength = 255

	// MaxContactLength is the maximum length of a client contact field.
	MaxContactLength = 512

	// MaxDOBLength is the maximum length of a date-of-birth string.
	MaxDOBLength = 64

	// MaxNoteBodyLength is the maximum length of a case note body.
	MaxNoteBodyLength = 16 * 1024

	// MaxNarrativeLength is the maximum length of a service plan narrative.
	MaxNarrativeLength = 32 * 1024

	// MaxJustificationLength is the maximum length of an export justification.
	MaxJustificationLength = 1000

	// MaxReasonLength is the maximum length of an erasure reason.
	MaxReasonLength = 500

	// MaxReasonCategoryLength is the maximum length of a block reason category.
	MaxReasonCategoryLength = 100
)

// CheckSliceCount validates that a slice does not exceed the maximum count.
func CheckSliceCount(fieldName string, count, max int) error {
	if count > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("too many %s: max %d allowed", fieldName, max))
	}
	return nil
}

// CheckStringLength validates that a string does not exceed the maximum length.
func CheckStringLength(fieldName, value string, max int) error {
	if len(value) > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s exceeds max length of %d", fieldName, max))
	}
	return nil
}

// CheckEachStringLength validates that each string in a slice does not exceed the maximum length.
func CheckEachStringLength(fieldName string, values []string, max int) error {
	for _, v := range values {
		if len(v) > max {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s exceeds max length of %d", fieldName, max))
		}
	}
	return nil
}
