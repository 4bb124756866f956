// Package transcode converts media by running ffmpeg as a child process on
// temporary files that are removed whatever the outcome.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wabot/internal/errors"
)

// Format is a conversion target.
type Format string

const (
	StickerWebP Format = "webp"
	MP4         Format = "mp4"
	MP3         Format = "mp3"
)

// DefaultTimeout bounds one ffmpeg run.
const DefaultTimeout = 2 * time.Minute

const stickerScale = "scale=512:512:force_original_aspect_ratio=decrease"
const stickerPad = "pad=512:512:(ow-iw)/2:(oh-ih)/2:color=#00000000"
const stickerCrop = `crop=min(iw\,ih):min(iw\,ih),scale=512:512`

// Options tune a conversion.
type Options struct {
	// Animated keeps motion when producing a sticker.
	Animated bool
	// MaxSeconds trims the input; zero keeps everything. Animated stickers
	// default to 10 seconds.
	MaxSeconds int
	// Crop cuts the centre square instead of padding to one.
	Crop bool
}

// Runner executes the external tool and returns its stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// Transcoder converts media buffers.
type Transcoder struct {
	ffmpeg  string
	tmpDir  string
	timeout time.Duration
	runner  Runner
	log     zerolog.Logger
}

// Option customizes a Transcoder.
type Option func(*Transcoder)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(t *Transcoder) { t.runner = r }
}

// WithTimeout bounds each run.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcoder) { t.timeout = d }
}

// New creates a Transcoder that keeps its temporary files under tmpDir.
func New(ffmpeg, tmpDir string, log zerolog.Logger, opts ...Option) *Transcoder {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	t := &Transcoder{
		ffmpeg:  ffmpeg,
		tmpDir:  tmpDir,
		timeout: DefaultTimeout,
		runner:  ExecRunner{},
		log:     log,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Transcode converts input to target. Failures carry ffmpeg's stderr.
func (t *Transcoder) Transcode(ctx context.Context, input []byte, target Format, opts Options) ([]byte, error) {
	if len(input) == 0 {
		return nil, errors.NewTranscodeFailed("empty input", nil)
	}
	if err := os.MkdirAll(t.tmpDir, 0o755); err != nil {
		return nil, errors.NewTranscodeFailed("create temp dir", err)
	}

	id := uuid.NewString()
	in := filepath.Join(t.tmpDir, "in-"+id)
	out := filepath.Join(t.tmpDir, "out-"+id+"."+string(target))
	defer func() {
		for _, p := range []string{in, out} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				t.log.Warn().Err(err).Str("path", p).Msg("temp file not removed")
			}
		}
	}()

	if err := os.WriteFile(in, input, 0o600); err != nil {
		return nil, errors.NewTranscodeFailed("write input", err)
	}

	args, err := Args(in, out, target, opts)
	if err != nil {
		return nil, errors.NewTranscodeFailed(err.Error(), nil)
	}

	rctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	start := time.Now()
	stderr, err := t.runner.Run(rctx, t.ffmpeg, args...)
	if err != nil {
		return nil, errors.NewTranscodeFailed(tail(stderr), err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, errors.NewTranscodeFailed(tail(stderr), fmt.Errorf("read output: %w", err))
	}
	if len(data) == 0 {
		return nil, errors.NewTranscodeFailed(tail(stderr), fmt.Errorf("empty output"))
	}
	t.log.Debug().Str("target", string(target)).Int("in", len(input)).Int("out", len(data)).
		Dur("took", time.Since(start)).Msg("transcoded")
	return data, nil
}

// Args builds the ffmpeg command line.
func Args(in, out string, target Format, opts Options) ([]string, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", in}
	secs := opts.MaxSeconds
	switch target {
	case StickerWebP:
		fit := stickerScale + ",%s," + stickerPad
		if opts.Crop {
			fit = stickerCrop + ",%s"
		}
		if opts.Animated {
			if secs == 0 {
				secs = 10
			}
			args = append(args, "-vf", fmt.Sprintf(fit, "fps=15"))
		} else {
			args = append(args, "-vf", fmt.Sprintf(fit, "format=rgba"), "-frames:v", "1")
		}
		args = append(args, "-c:v", "libwebp", "-preset", "default", "-loop", "0", "-an",
			"-vsync", "0", "-pix_fmt", "yuva420p", "-quality", "75", "-compression_level", "6")
	case MP4:
		args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart", "-c:a", "aac")
	case MP3:
		args = append(args, "-vn", "-c:a", "libmp3lame", "-b:a", "128k")
	default:
		return nil, fmt.Errorf("unsupported target format %q", target)
	}
	if secs > 0 {
		args = append(args, "-t", fmt.Sprint(secs))
	}
	return append(args, out), nil
}

// tail keeps the last lines of stderr, which carry ffmpeg's actual error.
func tail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if s == "" {
		return "ffmpeg failed"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
