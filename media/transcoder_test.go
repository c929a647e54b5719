package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a shell script standing in for ffmpeg. The script gets
// the output path as its last argument.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestTranscoder(t *testing.T, script string, concurrency int) (*Transcoder, string) {
	t.Helper()
	tmp := t.TempDir()
	return NewTranscoder(Config{
		FFmpegPath:  fakeFFmpeg(t, script),
		TempDir:     tmp,
		Concurrency: concurrency,
	}, zerolog.Nop()), tmp
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary files left behind")
}

func TestTranscode_Success(t *testing.T) {
	tr, tmp := newTestTranscoder(t, `printf 'OggS' > "$last"`, 1)

	out, err := tr.Transcode(context.Background(), []byte("RIFF....WAVE"))
	require.NoError(t, err)
	assert.Equal(t, []byte("OggS"), out)
	assertEmptyDir(t, tmp)
}

func TestTranscode_PassesArguments(t *testing.T) {
	tr, tmp := newTestTranscoder(t, `echo "$@" > "$last"`, 1)

	out, err := tr.Transcode(context.Background(), []byte("x"))
	require.NoError(t, err)
	args := string(out)
	assert.Contains(t, args, "-c:a libopus")
	assert.Contains(t, args, "-ac 1")
	assert.Contains(t, args, "-b:a 32k")
	assert.Contains(t, args, "-avoid_negative_ts make_zero")
	assert.Contains(t, args, "-f ogg")
	assertEmptyDir(t, tmp)
}

func TestTranscode_ToolFailure(t *testing.T) {
	tr, tmp := newTestTranscoder(t, `echo "Invalid data found when processing input" >&2; exit 1`, 1)

	_, err := tr.Transcode(context.Background(), []byte("garbage"))
	require.Error(t, err)
	var te *TranscodeError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Stderr, "Invalid data found")
	assertEmptyDir(t, tmp)
}

func TestTranscode_MissingOutput(t *testing.T) {
	tr, tmp := newTestTranscoder(t, `exit 0`, 1)

	_, err := tr.Transcode(context.Background(), []byte("x"))
	var te *TranscodeError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Error(), "read output")
	assertEmptyDir(t, tmp)
}

func TestTranscode_Cancelled(t *testing.T) {
	tr, tmp := newTestTranscoder(t, `exec sleep 5`, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Transcode(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assertEmptyDir(t, tmp)
}

func TestTranscode_BoundedConcurrency(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "running")
	// mkdir is atomic: a second concurrent run would fail to create it
	script := `mkdir "` + marker + `" || exit 3
sleep 0.05
rmdir "` + marker + `"
printf 'OggS' > "$last"`
	tr, _ := newTestTranscoder(t, script, 1)

	var failures atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Transcode(context.Background(), []byte("x")); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc \n", 10))
	assert.Equal(t, "def", tail("abcdef", 3))
}
