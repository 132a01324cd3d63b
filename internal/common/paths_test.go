package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		// Empty and root
		{"empty", "", ""},
		{"root", "/", ""},
		{"double_root", "//", ""},
		{"dot", ".", ""},

		// Simple paths
		{"simple", "foo", "foo"},
		{"leading_slash", "/foo", "foo"},
		{"trailing_slash", "foo/", "foo"},
		{"both_slashes", "/foo/", "foo"},

		// Nested paths
		{"two_parts", "foo/bar", "foo/bar"},
		{"three_parts", "/foo/bar/baz/", "foo/bar/baz"},

		// Dots never climb above the root
		{"dot_middle", "foo/./bar", "foo/bar"},
		{"dotdot_middle", "foo/../bar", "bar"},
		{"dotdot", "..", ""},
		{"dotdot_prefix", "../foo", "foo"},

		// Multiple slashes
		{"many_slashes", "///foo///bar///", "foo/bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizePath(tt.input), "NormalizePath(%q)", tt.input)
		})
	}
}

func TestCleanPath(t *testing.T) {
	t.Parallel()

	t.Run("accepts absolute and relative forms", func(t *testing.T) {
		t.Parallel()
		for _, in := range []string{"/a/b", "a/b", "/a//b/"} {
			got, err := CleanPath(in)
			require.NoError(t, err)
			assert.Equal(t, "a/b", got)
		}
	})

	t.Run("rejects parent components", func(t *testing.T) {
		t.Parallel()
		_, err := CleanPath("/a/../../etc")
		assert.ErrorIs(t, err, ErrInvalidPath)
	})

	t.Run("rejects NUL", func(t *testing.T) {
		t.Parallel()
		_, err := CleanPath("a\x00b")
		assert.ErrorIs(t, err, ErrInvalidPath)
	})
}

func TestSplitJoinParentBase(t *testing.T) {
	t.Parallel()

	assert.Nil(t, SplitPath("/"))
	assert.Equal(t, []string{"foo", "bar"}, SplitPath("/foo//bar/"))
	assert.Equal(t, "foo/bar", JoinPath("/foo/", "", "/bar"))
	assert.Equal(t, "", ParentPath("foo"))
	assert.Equal(t, "foo/bar", ParentPath("/foo/bar/baz"))
	assert.Equal(t, "", BaseName("/"))
	assert.Equal(t, "file.ext", BaseName("/path/to/file.ext"))
	assert.Equal(t, "/a/b", DisplayPath("a/b"))
	assert.Equal(t, "/", DisplayPath(""))

	for _, p := range []string{"foo/bar", "a/b/c", "/path/to/file"} {
		assert.Equal(t, NormalizePath(p), JoinPath(ParentPath(p), BaseName(p)))
		assert.Equal(t, NormalizePath(p), JoinPath(SplitPath(p)...))
	}
}

func TestIsWithin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path, prefix string
		want         bool
	}{
		{"a/b", "", true},
		{"a/b", "a", true},
		{"a", "a", true},
		{"/a/b/c", "/a/b", true},
		{"ab", "a", false},
		{"a", "a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsWithin(tt.path, tt.prefix), "IsWithin(%q, %q)", tt.path, tt.prefix)
	}
}

func TestFoldName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Readme.MD", FoldName("Readme.MD", false))
	assert.Equal(t, FoldName("README.md", true), FoldName("readme.MD", true))
	assert.Equal(t, FoldName("STRASSE", true), FoldName("strasse", true))
	assert.NotEqual(t, FoldName("a.txt", true), FoldName("b.txt", true))
}
