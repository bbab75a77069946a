package runlog

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorLog_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tectrilha_errors.log")
	l := NewErrorLog(path)
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)

	require.NoError(t, l.Append(Line{Time: ts, URL: "https://a.example/api/x?ano=2023", Kind: "HttpError(500)", Message: "http 500\nfrom upstream"}))
	require.NoError(t, l.Append(Line{Time: ts, URL: "https://a.example/api/y", Kind: "DecodeError", Message: "bad | pipe"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "2024-05-06 07:08:09|https://a.example/api/x?ano=2023|HttpError(500)|http 500 from upstream\n")

	lines, err := l.Read()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.True(t, ts.Equal(lines[0].Time))
	assert.Equal(t, "HttpError(500)", lines[0].Kind)
	assert.Equal(t, "bad | pipe", lines[1].Message)
}

func TestErrorLog_ReadMissing(t *testing.T) {
	lines, err := NewErrorLog(filepath.Join(t.TempDir(), "none.log")).Read()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestParseLine(t *testing.T) {
	l := ParseLine("2023-01-02 03:04:05|https://x.example/api/a|ConnectionError|Max retries | exceeded")
	assert.Equal(t, "https://x.example/api/a", l.URL)
	assert.Equal(t, "ConnectionError", l.Kind)
	assert.Equal(t, "Max retries | exceeded", l.Message)
	assert.Empty(t, l.Raw)

	raw := ParseLine("garbage without separators")
	assert.Equal(t, "garbage without separators", raw.Raw)

	noURL := ParseLine("2023-01-02 03:04:05|not a url|X|y")
	assert.NotEmpty(t, noURL.Raw)
}

func TestErrorLog_ConcurrentAppends(t *testing.T) {
	l := NewErrorLog(filepath.Join(t.TempDir(), "e.log"))
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Append(Line{URL: "https://a.example/" + string(rune('a'+i%26)), Kind: "NetworkError", Message: "timeout"}))
		}(i)
	}
	wg.Wait()

	lines, err := l.Read()
	require.NoError(t, err)
	assert.Len(t, lines, 50)
	for _, line := range lines {
		assert.Empty(t, line.Raw)
	}
}

func TestRewrite_CommitReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e.log")
	l := NewErrorLog(path)
	for _, u := range []string{"https://a.example/1", "https://a.example/2", "https://a.example/3"} {
		require.NoError(t, l.Append(Line{URL: u, Kind: "NetworkError"}))
	}

	rw, err := l.BeginRewrite()
	require.NoError(t, err)
	require.NoError(t, rw.Append(Line{URL: "https://a.example/2", Kind: "HttpError(404)"}))
	require.NoError(t, rw.Append(Line{Raw: "unparseable line"}))

	before, err := l.Read()
	require.NoError(t, err)
	assert.Len(t, before, 3, "original untouched until commit")

	require.NoError(t, rw.Commit())
	after, err := l.Read()
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "https://a.example/2", after[0].URL)
	assert.Equal(t, "unparseable line", after[1].Raw)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRewrite_Abort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e.log")
	l := NewErrorLog(path)
	require.NoError(t, l.Append(Line{URL: "https://a.example/1"}))

	rw, err := l.BeginRewrite()
	require.NoError(t, err)
	require.NoError(t, rw.Abort())
	require.NoError(t, rw.Abort())

	lines, err := l.Read()
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestMarker_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agape_last_run.yaml")

	m, err := LoadMarker(path)
	require.NoError(t, err)
	assert.Nil(t, m)

	done := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, SaveMarker(path, Marker{Year: 2024, Month: 2, CompletedAt: done}))

	m, err = LoadMarker(path)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 2024, m.Year)
	assert.Equal(t, 2, m.Month)
	assert.True(t, done.Equal(m.CompletedAt))
}

func TestMarker_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.yaml")
	require.NoError(t, os.WriteFile(path, []byte("month: 3\n"), 0o644))
	_, err := LoadMarker(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("year: [\n"), 0o644))
	_, err = LoadMarker(path)
	assert.Error(t, err)
}
