package admitcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewContext_Defaults(t *testing.T) {
	c := NewContext()
	assert.Equal(t, defaultKeyExpression, c.KeyExpression())
	assert.Equal(t, "unknown", c.RemoteAddress())
}

func TestNewContext_HeaderLookupIsCaseInsensitive(t *testing.T) {
	c := NewContext(WithHeaders(map[string][]string{
		"X-Api-Key": {"secret"},
	}))
	assert.Equal(t, []string{"secret"}, c.Header("x-api-key"))
	assert.Equal(t, []string{"secret"}, c.Header("X-API-KEY"))
}

func TestNewContext_MissingHeaderReturnsNil(t *testing.T) {
	c := NewContext()
	assert.Nil(t, c.Header("absent"))
}

func TestNewContext_MethodArgumentsAreCopiedNotAliased(t *testing.T) {
	args := []any{"a", 1}
	c := NewContext(WithMethodArguments(args...))
	args[0] = "mutated"
	assert.Equal(t, "a", c.MethodArguments()[0])
}

func TestNewContext_HeadersAreCopiedNotAliased(t *testing.T) {
	headers := map[string][]string{"X-Test": {"one"}}
	c := NewContext(WithHeaders(headers))
	headers["X-Test"][0] = "mutated"
	assert.Equal(t, []string{"one"}, c.Header("x-test"))
}
