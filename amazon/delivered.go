package amazon

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dhcgn/mail-and-packages/catalog"
	"github.com/dhcgn/mail-and-packages/message"
	"github.com/dhcgn/mail-and-packages/model"
	"github.com/dhcgn/mail-and-packages/stats"
)

// DeliveredImageName is the file the delivery photo is saved as.
const DeliveredImageName = "amazon_delivered.jpg"

// Delivered is the result of scanning today's delivery confirmations.
type Delivered struct {
	Count    int
	ImageURL string
	// Download reports the photo download result once, then closes. It is
	// nil when no photo was found.
	Download <-chan error
}

// Fetcher starts a background download of a delivery photo.
type Fetcher interface {
	Start(ctx context.Context, imageURL string) <-chan error
}

// ScanDelivered counts today's delivery confirmations and starts downloading
// the last delivery photo found in them.
func ScanDelivered(ctx context.Context, env model.Env, src Sources, fetcher Fetcher) Delivered {
	logger := env.Log().With("stage", stats.StageAmazon)
	var res Delivered

	ids := search(ctx, env, model.Criteria{
		From:    src.Senders(catalog.AmazonDeliveredPrefix),
		Subject: catalog.AmazonDeliveredSubject,
		On:      env.Today,
	}, catalog.AmazonDelivered)
	res.Count = len(ids)

	for _, id := range ids {
		raw, ok := fetch(ctx, env, id, catalog.AmazonDelivered)
		if !ok {
			continue
		}
		parts, err := message.HTMLParts(raw)
		if err != nil {
			logger.Debug("html parts incomplete", "id", id, "err", err)
			env.Record(stats.Event{Stage: stats.StageAmazon, Type: stats.EventTypeDecodeError, Sensor: catalog.AmazonDelivered, Err: err})
		}
		for _, part := range parts {
			if found := DeliveryImageURL(part); found != "" {
				res.ImageURL = found
			}
		}
	}

	if res.ImageURL != "" && fetcher != nil {
		logger.Debug("amazon delivery photo found", "url", res.ImageURL)
		res.Download = fetcher.Start(ctx, res.ImageURL)
	}
	return res
}

var imageURLPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// DeliveryImageURL returns the last delivery photo link in an HTML body, or
// "" when there is none.
func DeliveryImageURL(body string) string {
	var found string
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
			if src, ok := sel.Attr("src"); ok && isDeliveryImage(src) {
				found = src
			}
		})
	}
	if found != "" {
		return found
	}

	for _, candidate := range imageURLPattern.FindAllString(html.UnescapeString(body), -1) {
		if isDeliveryImage(candidate) {
			found = candidate
		}
	}
	return found
}

func isDeliveryImage(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && strings.EqualFold(u.Hostname(), catalog.AmazonImageHost)
}

// Downloader saves delivery photos into Dir.
type Downloader struct {
	Dir    string
	Client *http.Client
	Logger *slog.Logger
	Stats  *stats.Collector
}

// Start downloads imageURL in the background. The returned channel receives
// the result and is then closed.
func (d Downloader) Start(ctx context.Context, imageURL string) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := d.download(ctx, imageURL)
		logger := d.Logger
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		if err != nil {
			logger.Error("amazon photo download failed", "err", err)
			if d.Stats != nil {
				d.Stats.Record(stats.Event{Stage: stats.StageAmazon, Type: stats.EventTypeError, Sensor: catalog.AmazonDelivered, Err: err})
			}
		} else {
			logger.Debug("amazon photo downloaded", "path", filepath.Join(d.Dir, DeliveredImageName))
		}
		done <- err
	}()
	return done
}

func (d Downloader) download(ctx context.Context, imageURL string) error {
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", model.ErrConnection, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: get image: %v", model.ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: get image: http status %d", model.ErrConnection, resp.StatusCode)
	}
	if contentType := resp.Header.Get("Content-Type"); !strings.Contains(contentType, "image") {
		return fmt.Errorf("%w: unexpected content type %q", model.ErrDecode, contentType)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read image: %v", model.ErrConnection, err)
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", model.ErrFileSystem, err)
	}
	if err := os.WriteFile(filepath.Join(d.Dir, DeliveredImageName), data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", model.ErrFileSystem, err)
	}
	return nil
}
