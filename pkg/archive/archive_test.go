package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/extforge/pkg/version"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestAssembleInner_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"extension.yaml":           "name: ext\nversion: 1.0\n",
		"dashboards/overview.json": `{"tiles":[]}`,
		"alerts/a/b/deep.json":     "{}",
		"empty.txt":                "",
	}
	writeTree(t, dir, files)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "unused"), 0o755))

	inner, err := AssembleInner(dir)
	require.NoError(t, err)

	entries, err := Entries(inner)
	require.NoError(t, err)
	require.Len(t, entries, len(files))
	for rel, content := range files {
		got, ok := entries[rel]
		require.True(t, ok, "missing %s", rel)
		assert.Equal(t, content, string(got))
	}
}

func TestAssembleInner_FollowsFileLinks(t *testing.T) {
	shared := filepath.Join(t.TempDir(), "shared.json")
	require.NoError(t, os.WriteFile(shared, []byte(`{"shared":true}`), 0o644))

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"extension.yaml": "name: ext\nversion: 1.0\n"})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dashboards"), 0o755))
	require.NoError(t, os.Symlink(shared, filepath.Join(dir, "dashboards", "overview.json")))

	inner, err := AssembleInner(dir)
	require.NoError(t, err)

	entries, err := Entries(inner)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, `{"shared":true}`, string(entries["dashboards/overview.json"]))
}

func TestAssembleInner_UnpackableLinks(t *testing.T) {
	tests := []struct {
		name   string
		target func(t *testing.T) string
	}{
		{
			name: "dangling",
			target: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "gone.json")
			},
		},
		{
			name: "directory",
			target: func(t *testing.T) string {
				return t.TempDir()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTree(t, dir, map[string]string{"extension.yaml": "name: ext\nversion: 1.0\n"})
			require.NoError(t, os.Symlink(tt.target(t), filepath.Join(dir, "linked")))

			_, err := AssembleInner(dir)
			assert.ErrorIs(t, err, ErrPackaging)
		})
	}
}

func TestAssembleInner_Errors(t *testing.T) {
	_, err := AssembleInner(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrPackaging)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = AssembleInner(file)
	assert.ErrorIs(t, err, ErrPackaging)
}

func TestAssembleOuter(t *testing.T) {
	inner := []byte("inner-bytes")
	sig := []byte("-----BEGIN CMS-----\n-----END CMS-----\n")

	outer, err := AssembleOuter(inner, sig)
	require.NoError(t, err)

	entries, err := Entries(outer)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, inner, entries[InnerName])
	assert.Equal(t, sig, entries[SignatureName])

	gotInner, gotSig, err := SplitOuter(outer)
	require.NoError(t, err)
	assert.Equal(t, inner, gotInner)
	assert.Equal(t, sig, gotSig)
}

func TestAssembleOuter_Empty(t *testing.T) {
	_, err := AssembleOuter(nil, []byte("sig"))
	assert.ErrorIs(t, err, ErrPackaging)
	_, err = AssembleOuter([]byte("inner"), nil)
	assert.ErrorIs(t, err, ErrPackaging)
}

func TestSplitOuter_WrongShape(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a": "1", "b": "2", "c": "3"})
	three, err := AssembleInner(dir)
	require.NoError(t, err)

	_, _, err = SplitOuter(three)
	assert.Error(t, err)

	_, _, err = SplitOuter([]byte("not a zip"))
	assert.Error(t, err)
}

func TestArtifact(t *testing.T) {
	a := NewArtifact("com.example:myext", version.MustParse("1.2"))
	assert.Equal(t, "com.example_myext-1.2.zip", a.FileName)

	a.Outer = []byte("outer")
	assert.Len(t, a.Digest(), 64)
	assert.Equal(t, a.Digest(), Digest([]byte("outer")))
	assert.NotEqual(t, a.Digest(), Digest([]byte("other")))
}
