package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	doc := Object{
		"check_suite": Object{"id": Int(7)},
		"runs":        Array{Object{"conclusion": String("success")}},
	}

	got, ok := Lookup(doc, "check_suite.id")
	assert.True(t, ok)
	assert.Equal(t, Int(7), got)

	got, ok = Lookup(doc, "runs.0.conclusion")
	assert.True(t, ok)
	assert.Equal(t, String("success"), got)

	_, ok = Lookup(doc, "check_suite.missing")
	assert.False(t, ok)

	_, ok = Lookup(doc, "runs.3")
	assert.False(t, ok)

	_, ok = Lookup(doc, "check_suite.id.deeper")
	assert.False(t, ok)

	got, ok = Lookup(doc, "")
	assert.True(t, ok)
	assert.True(t, Equal(doc, got))
}
