package globset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileEmptyIsEmpty(t *testing.T) {
	s, err := Compile(nil)
	require.NoError(t, err)
	assert.True(t, s.Empty())
	assert.False(t, s.Match("anything"))
}

func TestCompileSplitsCommaSeparatedEntries(t *testing.T) {
	s, err := Compile([]string{"*.go,*.md"})
	require.NoError(t, err)
	assert.False(t, s.Empty())
	assert.True(t, s.Match("main.go"))
	assert.True(t, s.Match("README.md"))
	assert.False(t, s.Match("main.py"))
}

func TestCompileMultipleFlagValues(t *testing.T) {
	s, err := Compile([]string{"*.go", "*.md"})
	require.NoError(t, err)
	assert.True(t, s.Match("main.go"))
	assert.True(t, s.Match("README.md"))
}

func TestCompileTrimsWhitespaceAndSkipsEmpty(t *testing.T) {
	s, err := Compile([]string{" *.go , , *.md "})
	require.NoError(t, err)
	assert.True(t, s.Match("main.go"))
	assert.True(t, s.Match("README.md"))
}

func TestCompileInvalidPatternErrors(t *testing.T) {
	_, err := Compile([]string{"["})
	assert.Error(t, err)
}

func TestMatchOnNilSet(t *testing.T) {
	var s *Set
	assert.True(t, s.Empty())
	assert.False(t, s.Match("anything"))
}

func TestMatchIsPathAware(t *testing.T) {
	s, err := Compile([]string{"*.go"})
	require.NoError(t, err)
	// glob.Compile with '/' as a separator means "*" must not cross path
	// boundaries, matching the CLI's per-entry-name matching (names never
	// contain "/" in practice, but this pins the separator choice).
	assert.True(t, s.Match("main.go"))
	assert.False(t, s.Match("sub/main.go"))
}
