package informed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mail-and-packages/catalog"
	"github.com/dhcgn/mail-and-packages/model"
	"github.com/dhcgn/mail-and-packages/stats"
)

// Encoder converts the animated image into a video.
type Encoder interface {
	Encode(ctx context.Context, gifPath, videoPath string) error
}

// FFmpeg runs the ffmpeg binary at Path, or the one on PATH.
type FFmpeg struct {
	Path string
}

func (f FFmpeg) Encode(ctx context.Context, gifPath, videoPath string) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-f", "gif",
		"-i", gifPath,
		"-pix_fmt", "yuv420p",
		"-filter:v", "crop='floor(in_w/2)*2:floor(in_h/2)*2'",
		videoPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s", model.ErrEncode, bin, err, lastLine(out))
	}
	return nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return lines[len(lines)-1]
}

// VideoPath returns the video written next to the image at gifPath.
func VideoPath(gifPath string) string {
	return strings.TrimSuffix(gifPath, filepath.Ext(gifPath)) + ".mp4"
}

func (p Pipeline) video(ctx context.Context, env model.Env, output string, logger *slog.Logger) {
	target := VideoPath(output)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		logger.Warn("removing old video failed", "path", target, "err", err)
	}

	encoder := p.Encoder
	if encoder == nil {
		encoder = FFmpeg{}
	}
	if err := encoder.Encode(ctx, output, target); err != nil {
		logger.Error("generating video failed", "err", err)
		env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeError, Sensor: catalog.USPSMail, Err: err})
		return
	}
	logger.Info("mail video generated", "path", target)
}
