package patterndsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileLine_Boundary(t *testing.T) {
	cases := []struct {
		name  string
		dsl   string
		match []string
		noMatch []string
	}{
		{
			name:    "digit anchor run",
			dsl:     "^#+$",
			match:   []string{"1", "123"},
			noMatch: []string{"", "1a"},
		},
		{
			name:    "literal then word chars case sensitive",
			dsl:     "[login: ]w+",
			match:   []string{"login: bob"},
			noMatch: []string{"Login: bob"},
		},
		{
			name:    "prompt suffix",
			dsl:     "[$ ]$",
			match:   []string{"user@host $ "},
			noMatch: []string{"user@host $"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			re, err := Compile(tc.dsl)
			require.NoError(t, err)
			for _, m := range tc.match {
				assert.True(t, re.MatchString(m), "expected %q to match %q", tc.dsl, m)
			}
			for _, m := range tc.noMatch {
				assert.False(t, re.MatchString(m), "expected %q to NOT match %q", tc.dsl, m)
			}
		})
	}
}

func TestCompileLine_Empty(t *testing.T) {
	re, err := Compile("")
	require.NoError(t, err)
	assert.True(t, re.MatchString(""))
	assert.True(t, re.MatchString("anything at all"))
}

func TestCompileLine_Gaps(t *testing.T) {
	re, err := Compile("[Serving HTTP on ][+]")
	require.NoError(t, err)
	assert.True(t, re.MatchString("Serving HTTP on 0.0.0.0:8000"))
	assert.False(t, re.MatchString("Serving HTTP on "))
}

func TestCompileLine_ExactGap(t *testing.T) {
	re, err := Compile("[abc][3]done")
	require.NoError(t, err)
	assert.True(t, re.MatchString("abcXYZdone"))
	assert.False(t, re.MatchString("abcXYdone"))
}

func TestCompileLine_QuantifierRange(t *testing.T) {
	re, err := Compile("#2-4")
	require.NoError(t, err)
	assert.True(t, re.MatchString("12"))
	assert.True(t, re.MatchString("1234"))
	assert.False(t, re.MatchString("1"))
}

func TestCompileLine_UnterminatedBracket(t *testing.T) {
	_, err := Compile("[unterminated")
	require.Error(t, err)
}

func TestCompileLine_MalformedRange(t *testing.T) {
	_, err := Compile("#3-")
	require.Error(t, err)
}

func TestCompileLine_SpaceLiteral(t *testing.T) {
	re, err := Compile("a_b")
	require.NoError(t, err)
	assert.True(t, re.MatchString("a b"))
	assert.False(t, re.MatchString("ab"))
}

func TestCompileLine_OptionalAndStar(t *testing.T) {
	re, err := Compile("w*#?")
	require.NoError(t, err)
	assert.True(t, re.MatchString(""))
}
