package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	programs := []string{" housing ", "counselling", "housing", "", "   "}
	assert.Equal(t, []string{"housing", "counselling"}, DedupeAndTrim(programs))
}

func TestDedupeAndTrimEmptyInput(t *testing.T) {
	assert.Empty(t, DedupeAndTrim(nil))
	assert.Empty(t, DedupeAndTrim([]string{}))
}
