// Package media converts outgoing audio into the voice note format.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"whatsapp-gateway/metrics"
	"whatsapp-gateway/queue"
)

// stderrTail is how much of the tool's stderr a TranscodeError keeps.
const stderrTail = 2048

// TranscodeError reports a failed ffmpeg run.
type TranscodeError struct {
	Err    error
	Stderr string
}

func (e *TranscodeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("transcode audio: %v", e.Err)
	}
	return fmt.Sprintf("transcode audio: %v: %s", e.Err, e.Stderr)
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

type Config struct {
	FFmpegPath  string
	TempDir     string
	Concurrency int
	// Bitrate is passed to -b:a, e.g. "32k".
	Bitrate string
}

// Transcoder converts arbitrary audio to mono Opus in an Ogg container by
// running ffmpeg over temporary files.
type Transcoder struct {
	cfg  Config
	pool *queue.WorkerPool
	log  zerolog.Logger
}

func NewTranscoder(cfg Config, log zerolog.Logger) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "32k"
	}
	return &Transcoder{
		cfg:  cfg,
		pool: queue.NewWorkerPool(cfg.Concurrency),
		log:  log.With().Str("component", "transcoder").Logger(),
	}
}

// Transcode returns input converted to Ogg/Opus. Temporary files are
// removed whatever the outcome.
func (t *Transcoder) Transcode(ctx context.Context, input []byte) ([]byte, error) {
	var out []byte
	err := t.pool.Run(ctx, func() error {
		start := time.Now()
		var err error
		out, err = t.run(ctx, input)
		metrics.Transcode(time.Since(start), err)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transcoder) run(ctx context.Context, input []byte) ([]byte, error) {
	name := uuid.NewString()
	inPath := filepath.Join(t.cfg.TempDir, name+".in")
	outPath := filepath.Join(t.cfg.TempDir, name+".ogg")
	defer t.remove(inPath)
	defer t.remove(outPath)

	if err := os.WriteFile(inPath, input, 0o600); err != nil {
		return nil, fmt.Errorf("write transcode input: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.cfg.FFmpegPath,
		"-y",
		"-i", inPath,
		"-vn",
		"-c:a", "libopus",
		"-ac", "1",
		"-b:a", t.cfg.Bitrate,
		"-avoid_negative_ts", "make_zero",
		"-f", "ogg",
		outPath,
	)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &TranscodeError{Err: err, Stderr: tail(stderr.String(), stderrTail)}
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, &TranscodeError{Err: fmt.Errorf("read output: %w", err)}
	}
	if len(data) == 0 {
		return nil, &TranscodeError{Err: errors.New("empty output")}
	}
	t.log.Debug().Int("in_bytes", len(input)).Int("out_bytes", len(data)).Msg("Audio transcoded")
	return data, nil
}

func (t *Transcoder) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.log.Warn().Err(err).Str("path", path).Msg("Failed to remove temporary file")
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
