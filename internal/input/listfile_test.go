package input

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-featex/internal/errdefs"
)

func drain(t *testing.T, src Source) []Record {
	t.Helper()
	var out []Record
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestListfileParse(t *testing.T) {
	l, err := ReadListfile(strings.NewReader("a.jpg 0 s1\nb.jpg 1 s2\nc.jpg 1 s1\n"), ListfileOptions{BaseDir: "/data"})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())

	recs := drain(t, l)
	require.Len(t, recs, 3)

	assert.Equal(t, "/data/a.jpg", recs[0].Path)
	assert.Equal(t, []int32{0, 1, 1}, []int32{recs[0].Label, recs[1].Label, recs[2].Label})
	assert.Equal(t, []string{"s1", "s2", "s1"}, []string{recs[0].Group, recs[1].Group, recs[2].Group})
	assert.True(t, recs[2].HasGroup)
	assert.Equal(t, "listfile:3", recs[2].Ref)
}

func TestListfileNoGroup(t *testing.T) {
	l, err := ReadListfile(strings.NewReader("a.jpg 3\n"), ListfileOptions{})
	require.NoError(t, err)

	rec, err := l.Next()
	require.NoError(t, err)
	assert.False(t, rec.HasGroup)
	assert.Empty(t, rec.Group)
	assert.Equal(t, int32(3), rec.Label)
}

func TestListfileSequentialRequiresGroup(t *testing.T) {
	l, err := ReadListfile(strings.NewReader("a.jpg 3\n"), ListfileOptions{Sequential: true})
	require.NoError(t, err)

	_, err = l.Next()
	assert.ErrorIs(t, err, errdefs.ErrInputDecode)
}

func TestListfileBlankLinesAndWhitespace(t *testing.T) {
	src := "a.jpg\t2\tv1\r\n\n   \nb.jpg   4   v2\n"
	l, err := ReadListfile(strings.NewReader(src), ListfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	recs := drain(t, l)
	assert.Equal(t, "v1", recs[0].Group)
	assert.Equal(t, "b.jpg", recs[1].Path)
	assert.Equal(t, "listfile:4", recs[1].Ref)
}

func TestListfileSortUsesRawLines(t *testing.T) {
	raw := []string{
		"b/frame2.jpg 0 z",
		"a/frame9.jpg 5 y",
		"b/frame10.jpg 1 z",
		"a/frame1.jpg 7 x",
	}
	unsorted, err := ReadListfile(strings.NewReader(strings.Join(raw, "\n")), ListfileOptions{})
	require.NoError(t, err)
	sorted, err := ReadListfile(strings.NewReader(strings.Join(raw, "\n")), ListfileOptions{Sort: true})
	require.NoError(t, err)

	a, b := drain(t, unsorted), drain(t, sorted)
	require.Len(t, b, len(a))
	assert.ElementsMatch(t, a, b)

	var got []string
	for _, rec := range b {
		got = append(got, rec.Path)
	}
	// "b/frame10" sorts before "b/frame2" on the raw text.
	assert.Equal(t, []string{"a/frame1.jpg", "a/frame9.jpg", "b/frame10.jpg", "b/frame2.jpg"}, got)
}

func TestListfileMalformed(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing label", "a.jpg\n"},
		{"non-numeric label", "a.jpg cat\n"},
		{"nan label", "a.jpg NaN\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := ReadListfile(strings.NewReader(tt.src), ListfileOptions{})
			require.NoError(t, err)
			_, err = l.Next()
			assert.ErrorIs(t, err, errdefs.ErrInputDecode)
			assert.Contains(t, err.Error(), "listfile:1")
		})
	}
}

func TestParseLabel(t *testing.T) {
	tests := []struct {
		in   string
		want int32
	}{
		{"0", 0},
		{"12", 12},
		{"3.9", 3},
		{"-2.5", -2},
		{"1e2", 100},
	}
	for _, tt := range tests {
		got, err := ParseLabel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLabel("1e20")
	assert.Error(t, err)
}

func TestOpenListfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.txt")
	require.NoError(t, os.WriteFile(path, []byte("x.png 1\n"), 0o644))

	l, err := OpenListfile(path, ListfileOptions{BaseDir: dir})
	require.NoError(t, err)
	defer l.Close()

	rec, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x.png"), rec.Path)
	assert.Equal(t, "train.txt:1", rec.Ref)

	_, err = OpenListfile(filepath.Join(dir, "missing.txt"), ListfileOptions{})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
