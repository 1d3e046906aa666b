package informed

import (
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/dhcgn/mail-and-packages/model"
)

// render resizes every image to one frame, writes a resized copy next to
// each source and encodes the animation to output. It returns the paths of
// the resized copies, which the caller removes.
func (p Pipeline) render(paths []string, output string, logger *slog.Logger) ([]string, error) {
	var (
		frames  []*image.Paletted
		resized []string
	)
	for _, path := range paths {
		img, err := decodeFile(path)
		if err != nil {
			logger.Warn("skipping unreadable image", "path", path, "err", err)
			continue
		}
		frame := fit(img, FrameWidth, FrameHeight)

		copyPath := strings.TrimSuffix(path, filepath.Ext(path)) + "_resized.png"
		if err := writePNG(copyPath, frame); err != nil {
			logger.Warn("writing resized image failed", "path", copyPath, "err", err)
		} else {
			resized = append(resized, copyPath)
		}
		frames = append(frames, quantize(frame))
	}
	if len(frames) == 0 {
		return resized, fmt.Errorf("%w: no decodable images", model.ErrDecode)
	}

	anim := &gif.GIF{
		Image: frames,
		Delay: make([]int, len(frames)),
	}
	for i := range anim.Delay {
		anim.Delay[i] = delay(p.Duration)
	}

	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		return resized, fmt.Errorf("%w: remove %s: %v", model.ErrFileSystem, output, err)
	}
	file, err := os.Create(output)
	if err != nil {
		return resized, fmt.Errorf("%w: create %s: %v", model.ErrFileSystem, output, err)
	}
	if err := gif.EncodeAll(file, anim); err != nil {
		_ = file.Close()
		return resized, fmt.Errorf("%w: encode gif: %v", model.ErrEncode, err)
	}
	if err := file.Close(); err != nil {
		return resized, fmt.Errorf("%w: close %s: %v", model.ErrFileSystem, output, err)
	}
	return resized, nil
}

// delay converts the frame duration to GIF hundredths of a second.
func delay(d time.Duration) int {
	if d <= 0 {
		d = DefaultDuration
	}
	return int(d / (10 * time.Millisecond))
}

func decodeFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrFileSystem, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	return img, nil
}

// fit scales src to fit inside w×h keeping its aspect ratio and centers it
// on a white canvas.
func fit(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)

	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return dst
	}
	scale := min(float64(w)/float64(sb.Dx()), float64(h)/float64(sb.Dy()))
	sw := max(1, int(float64(sb.Dx())*scale))
	sh := max(1, int(float64(sb.Dy())*scale))
	x0 := (w - sw) / 2
	y0 := (h - sh) / 2

	xdraw.CatmullRom.Scale(dst, image.Rect(x0, y0, x0+sw, y0+sh), src, sb, xdraw.Over, nil)
	return dst
}

func quantize(img image.Image) *image.Paletted {
	bounds := img.Bounds()
	frame := image.NewPaletted(bounds, palette.Plan9)
	xdraw.FloydSteinberg.Draw(frame, bounds, img, bounds.Min)
	return frame
}

func writePNG(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrFileSystem, err)
	}
	if err := png.Encode(file, img); err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: %v", model.ErrEncode, err)
	}
	return file.Close()
}
