package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTree builds:
//
//	<tmp>/outside/secret.txt
//	<tmp>/root/docs/readme.txt
//	<tmp>/root/root/            (directory sharing the home's name)
//	<tmp>/root/escape -> <tmp>/outside
func newTree(t *testing.T) (*Root, string) {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	home := filepath.Join(base, "root")
	require.NoError(t, os.MkdirAll(filepath.Join(home, "docs"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(home, "root"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "outside"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "docs", "readme.txt"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "outside", "secret.txt"), []byte("no"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(base, "outside"), filepath.Join(home, "escape")))

	root, err := New(home)
	require.NoError(t, err)
	return root, base
}

func TestNewRejectsMissingAndFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := New(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = New(file)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestContains(t *testing.T) {
	root, base := newTree(t)
	home := root.Home()

	tests := []struct {
		path string
		want bool
	}{
		{home, true},
		{filepath.Join(home, "docs"), true},
		{filepath.Join(home, "root", "x"), true},
		{base, false},
		{filepath.Join(base, "outside"), false},
		{home + "-sibling", false},
		{filepath.Join(base, "other", "root"), false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, root.Contains(tt.path))
		})
	}
}

func TestDisplay(t *testing.T) {
	root, _ := newTree(t)

	assert.Equal(t, "~/", root.Display(root.Home()))
	assert.Equal(t, "~/docs/", root.Display(filepath.Join(root.Home(), "docs")))
	assert.Equal(t, "~/root/", root.Display(filepath.Join(root.Home(), "root")))
}

func TestDir(t *testing.T) {
	root, _ := newTree(t)
	home := root.Home()

	t.Run("Subdirectory", func(t *testing.T) {
		p, err := root.Dir(home, "docs")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "docs"), p)
	})

	t.Run("ParentBackToHome", func(t *testing.T) {
		p, err := root.Dir(filepath.Join(home, "docs"), "..")
		require.NoError(t, err)
		assert.Equal(t, home, p)
	})

	t.Run("LeadingSeparatorIsRelative", func(t *testing.T) {
		p, err := root.Dir(home, "/docs")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "docs"), p)
	})

	t.Run("EscapeByDotDot", func(t *testing.T) {
		_, err := root.Dir(home, "../../..")
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("EscapeBySymlink", func(t *testing.T) {
		_, err := root.Dir(home, "escape")
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("SameNameOutside", func(t *testing.T) {
		// ../root from inside home/root resolves to home, still inside.
		p, err := root.Dir(filepath.Join(home, "root"), "../root")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "root"), p)

		_, err = root.Dir(home, "../outside")
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := root.Dir(home, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("File", func(t *testing.T) {
		_, err := root.Dir(home, "docs/readme.txt")
		assert.ErrorIs(t, err, ErrNotDirectory)
	})
}

func TestFile(t *testing.T) {
	root, _ := newTree(t)
	home := root.Home()

	p, err := root.File(home, "docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "docs", "readme.txt"), p)

	_, err = root.File(home, "docs")
	assert.ErrorIs(t, err, ErrNotRegular)

	_, err = root.File(home, "escape/secret.txt")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = root.File(home, "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChild(t *testing.T) {
	root, _ := newTree(t)
	home := root.Home()

	t.Run("NewEntry", func(t *testing.T) {
		p, info, err := root.Child(home, "docs/new.bin")
		require.NoError(t, err)
		assert.Nil(t, info)
		assert.Equal(t, filepath.Join(home, "docs", "new.bin"), p)
	})

	t.Run("ExistingEntry", func(t *testing.T) {
		_, info, err := root.Child(home, "docs")
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingParent", func(t *testing.T) {
		_, _, err := root.Child(home, "nope/file")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ParentOutside", func(t *testing.T) {
		_, _, err := root.Child(home, "../evil")
		assert.ErrorIs(t, err, ErrOutsideRoot)

		_, _, err = root.Child(home, "escape/new")
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("SymlinkEntryOutside", func(t *testing.T) {
		_, _, err := root.Child(home, "escape")
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("EmptyName", func(t *testing.T) {
		_, _, err := root.Child(home, "  ")
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}

func TestCanonical(t *testing.T) {
	root, base := newTree(t)

	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(root.Home(), link))

	existing, err := Canonical(filepath.Join(link, "docs", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Home(), "docs", "readme.txt"), existing)

	missing, err := Canonical(filepath.Join(link, "docs", "later.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Home(), "docs", "later.txt"), missing)

	_, err = Canonical(filepath.Join(base, "nope", "deeper", "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}
