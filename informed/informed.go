// Package informed turns the USPS Informed Delivery digest into an animated
// image of today's mail pieces.
package informed

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"github.com/dhcgn/mail-and-packages/assets"
	"github.com/dhcgn/mail-and-packages/catalog"
	"github.com/dhcgn/mail-and-packages/message"
	"github.com/dhcgn/mail-and-packages/model"
	"github.com/dhcgn/mail-and-packages/stats"
)

const (
	DefaultImageName = "mail_today.gif"
	DefaultDuration  = 5 * time.Second
	FrameWidth       = 724
	FrameHeight      = 320

	scratchPattern = ".digest-*"
)

// Pipeline writes Dir/ImageName, and Dir/<stem>.mp4 when GenerateVideo is
// set, from today's digest.
type Pipeline struct {
	Dir           string
	Duration      time.Duration
	ImageName     string
	GenerateVideo bool
	Encoder       Encoder
}

// ImageName returns the output file name: fixed, or a random one when the
// image location should not be guessable.
func ImageName(secure bool) string {
	if secure {
		return uuid.NewString() + ".gif"
	}
	return DefaultImageName
}

// Prepare creates Dir and removes images, videos and scratch directories
// left by earlier runs.
func (p Pipeline) Prepare() error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", model.ErrFileSystem, p.Dir, err)
	}
	for _, pattern := range []string{"*.gif", "*.mp4", scratchPattern} {
		matches, err := filepath.Glob(filepath.Join(p.Dir, pattern))
		if err != nil {
			return fmt.Errorf("%w: glob %s: %v", model.ErrFileSystem, pattern, err)
		}
		for _, path := range matches {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("%w: remove %s: %v", model.ErrFileSystem, path, err)
			}
		}
	}
	return nil
}

// Run renders today's digest and returns the number of mail piece images
// it contained. Failures are logged; the output falls back to the bundled
// "no mail" image.
func (p Pipeline) Run(ctx context.Context, env model.Env) int {
	logger := env.Log().With("stage", stats.StageImage)
	name := p.ImageName
	if name == "" {
		name = DefaultImageName
	}
	output := filepath.Join(p.Dir, name)

	ids, err := env.Store.Search(ctx, model.Criteria{
		From:    []string{catalog.InformedDeliverySender},
		Subject: catalog.InformedDeliverySubject,
		On:      env.Today,
	})
	env.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeSearched, Sensor: catalog.USPSMail})
	if err != nil {
		logger.Warn("informed delivery search failed", "err", err)
		env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeError, Sensor: catalog.USPSMail, Err: err})
		ids = nil
	}

	var scratch string
	if len(ids) > 0 {
		scratch, err = p.scratchDir()
		if err != nil {
			logger.Error("creating scratch directory failed", "err", err)
			env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeError, Sensor: catalog.USPSMail, Err: err})
			ids = nil
		}
	}

	var (
		images      []string
		temporaries []string
		placeholder bool
	)
	for _, id := range ids {
		raw, err := env.Store.Fetch(ctx, id)
		env.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeFetched, Sensor: catalog.USPSMail})
		if err != nil {
			logger.Warn("fetch failed", "id", id, "err", err)
			env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeError, Sensor: catalog.USPSMail, Err: err})
			continue
		}
		extracted := extract(env, raw, id, scratch)
		images = append(images, extracted...)
		temporaries = append(temporaries, extracted...)
		if hasNoMailpiecesBanner(raw) {
			placeholder = true
		}
	}
	images = dedupe(images)

	if placeholder {
		path, err := writePlaceholder(scratch)
		if err != nil {
			logger.Error("writing placeholder failed", "err", err)
			env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeError, Sensor: catalog.USPSMail, Err: err})
		} else {
			logger.Debug("digest has no mail piece images, using placeholder")
			images = append(images, path)
			temporaries = append(temporaries, path)
		}
	}

	images = withoutAnnouncements(images)
	count := len(images)
	logger.Debug("mail piece images", "count", count)

	rendered := false
	if count > 0 {
		resized, err := p.render(images, output, logger)
		temporaries = append(temporaries, resized...)
		if err != nil {
			logger.Error("generating mail image failed", "err", err)
			env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeError, Sensor: catalog.USPSMail, Err: err})
		} else {
			rendered = true
			logger.Info("mail image generated", "path", output, "frames", count)
		}
	}
	if !rendered {
		if err := p.writeNoMail(output); err != nil {
			logger.Error("copying no-mail image failed", "err", err)
			env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeError, Sensor: catalog.USPSMail, Err: err})
		}
	}

	removeAll(dedupe(temporaries), logger)
	if scratch != "" {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("removing scratch directory failed", "path", scratch, "err", err)
		}
	}

	if p.GenerateVideo {
		p.video(ctx, env, output, logger)
	}
	return count
}

// scratchDir creates the per-run directory attachments are extracted into,
// so a part named like an output file never replaces it.
func (p Pipeline) scratchDir() (string, error) {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", model.ErrFileSystem, p.Dir, err)
	}
	dir, err := os.MkdirTemp(p.Dir, scratchPattern)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrFileSystem, err)
	}
	return dir, nil
}

// extract writes every attachment of raw into dir and returns their paths.
func extract(env model.Env, raw []byte, id uint32, dir string) []string {
	logger := env.Log()
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		logger.Warn("skipping undecodable digest", "id", id, "err", err)
		env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeDecodeError, Sensor: catalog.USPSMail, Err: fmt.Errorf("%w: %v", model.ErrDecode, err)})
		return nil
	}

	parts := envelope.Root.DepthMatchAll(func(part *enmime.Part) bool {
		return part.Disposition != "" && part.FirstChild == nil && !isBodyText(part)
	})

	var paths []string
	for idx, part := range parts {
		name := sanitizeName(part.FileName)
		if name == "" {
			name = fmt.Sprintf("attachment-%d-%d", id, idx+1)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, part.Content, 0o644); err != nil {
			logger.Error("writing attachment failed", "path", path, "err", err)
			env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeError, Sensor: catalog.USPSMail, Err: fmt.Errorf("%w: %v", model.ErrFileSystem, err)})
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func isBodyText(part *enmime.Part) bool {
	if part.FileName != "" {
		return false
	}
	return part.ContentType == "text/plain" || part.ContentType == "text/html"
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func hasNoMailpiecesBanner(raw []byte) bool {
	if catalog.NoMailpiecesPattern.Match(raw) {
		return true
	}
	parts, _ := message.HTMLParts(raw)
	for _, html := range parts {
		if catalog.NoMailpiecesPattern.MatchString(html) {
			return true
		}
	}
	return false
}

func writePlaceholder(dir string) (string, error) {
	data, err := assets.Read(assets.NoMailpieces)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrFileSystem, err)
	}
	path := filepath.Join(dir, assets.NoMailpieces)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrFileSystem, err)
	}
	return path, nil
}

func (p Pipeline) writeNoMail(output string) error {
	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", model.ErrFileSystem, output, err)
	}
	data, err := assets.Read(assets.MailNone)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrFileSystem, err)
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", model.ErrFileSystem, err)
	}
	return nil
}

func withoutAnnouncements(paths []string) []string {
	out := paths[:0]
	for _, path := range paths {
		if !isAnnouncement(filepath.Base(path)) {
			out = append(out, path)
		}
	}
	return out
}

func isAnnouncement(name string) bool {
	for _, term := range catalog.AnnouncementImages {
		if strings.Contains(name, term) {
			return true
		}
	}
	return false
}

// removeAll deletes temporary files. Failures are logged and skipped.
func removeAll(paths []string, logger *slog.Logger) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("removing temporary file failed", "path", path, "err", fmt.Errorf("%w: %v", model.ErrFileSystem, err))
		}
	}
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, path)
	}
	return out
}
