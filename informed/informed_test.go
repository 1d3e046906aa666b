package informed

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-and-packages/assets"
	"github.com/dhcgn/mail-and-packages/catalog"
	"github.com/dhcgn/mail-and-packages/model"
	"github.com/dhcgn/mail-and-packages/stats"
	"github.com/dhcgn/mail-and-packages/testutil"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func digest(attachments ...testutil.Attachment) testutil.Message {
	return testutil.Message{
		From:        catalog.InformedDeliverySender,
		Subject:     catalog.InformedDeliverySubject,
		Text:        "Your mail pieces for today",
		Attachments: attachments,
	}
}

func env(store model.Store) model.Env {
	return model.Env{Store: store, Today: testutil.Today, Stats: stats.NewCollector()}
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunThreeAttachments(t *testing.T) {
	store := testutil.NewStore(t, digest(
		testutil.Attachment{Name: "1.png", ContentType: "image/png", Data: pngBytes(t, 300, 200, color.Black)},
		testutil.Attachment{Name: "2.png", ContentType: "image/png", Data: pngBytes(t, 100, 400, color.Gray{Y: 128})},
		testutil.Attachment{Name: "3.png", ContentType: "image/png", Data: pngBytes(t, 50, 50, color.White)},
		testutil.Attachment{Name: "mailerProvidedImage0.png", ContentType: "image/png", Data: pngBytes(t, 10, 10, color.Black)},
		testutil.Attachment{Name: "Mail Attachment.txt", ContentType: "text/plain", Data: []byte("ad")},
	))
	dir := t.TempDir()
	p := Pipeline{Dir: dir, Duration: 2 * time.Second, ImageName: DefaultImageName}
	require.NoError(t, p.Prepare())

	count := p.Run(context.Background(), env(store))

	assert.Equal(t, 3, count)
	assert.Equal(t, []string{DefaultImageName}, dirNames(t, dir))

	file, err := os.Open(filepath.Join(dir, DefaultImageName))
	require.NoError(t, err)
	defer file.Close()
	anim, err := gif.DecodeAll(file)
	require.NoError(t, err)
	require.Len(t, anim.Image, 3)
	assert.Equal(t, []int{200, 200, 200}, anim.Delay)
	for _, frame := range anim.Image {
		assert.Equal(t, image.Rect(0, 0, FrameWidth, FrameHeight), frame.Bounds())
	}
}

func TestRunAttachmentNamedLikeOutputs(t *testing.T) {
	dir := t.TempDir()
	photo := []byte("delivery photo")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "amazon_delivered.jpg"), photo, 0o644))
	store := testutil.NewStore(t, digest(
		testutil.Attachment{Name: DefaultImageName, ContentType: "image/png", Data: pngBytes(t, 40, 40, color.Black)},
		testutil.Attachment{Name: "amazon_delivered.jpg", ContentType: "image/png", Data: pngBytes(t, 40, 40, color.White)},
	))
	p := Pipeline{Dir: dir, ImageName: DefaultImageName}

	count := p.Run(context.Background(), env(store))

	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"amazon_delivered.jpg", DefaultImageName}, dirNames(t, dir))
	got, err := os.ReadFile(filepath.Join(dir, "amazon_delivered.jpg"))
	require.NoError(t, err)
	assert.Equal(t, photo, got)

	file, err := os.Open(filepath.Join(dir, DefaultImageName))
	require.NoError(t, err)
	defer file.Close()
	anim, err := gif.DecodeAll(file)
	require.NoError(t, err)
	assert.Len(t, anim.Image, 2)
}

func TestRunUnnamedPartsFromSeveralDigests(t *testing.T) {
	store := testutil.NewStore(t,
		digest(testutil.Attachment{ContentType: "image/png", Data: pngBytes(t, 40, 40, color.Black)}),
		digest(testutil.Attachment{ContentType: "image/png", Data: pngBytes(t, 40, 40, color.White)}),
	)
	dir := t.TempDir()
	p := Pipeline{Dir: dir, ImageName: DefaultImageName}

	count := p.Run(context.Background(), env(store))

	assert.Equal(t, 2, count)
	assert.Equal(t, []string{DefaultImageName}, dirNames(t, dir))
}

func TestExtractNamesUnnamedPartsPerMessage(t *testing.T) {
	raw := digest(
		testutil.Attachment{ContentType: "image/png", Data: pngBytes(t, 4, 4, color.Black)},
		testutil.Attachment{Name: "scan.png", ContentType: "image/png", Data: pngBytes(t, 4, 4, color.Black)},
	).Raw(t)
	dir := t.TempDir()

	paths := extract(env(testutil.NewStore(t)), raw, 7, dir)

	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "attachment-7-1"), paths[0])
	assert.Equal(t, filepath.Join(dir, "scan.png"), paths[1])
}

func TestRunNoDigestCopiesNoMailImage(t *testing.T) {
	store := testutil.NewStore(t)
	dir := t.TempDir()
	p := Pipeline{Dir: dir, ImageName: DefaultImageName}
	want, err := assets.Read(assets.MailNone)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Prepare())
		count := p.Run(context.Background(), env(store))

		assert.Equal(t, 0, count)
		got, err := os.ReadFile(filepath.Join(dir, DefaultImageName))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "run %d output differs from bundled image", i)
		assert.Equal(t, []string{DefaultImageName}, dirNames(t, dir))
	}
}

func TestRunOnlyAnnouncementsCopiesNoMailImage(t *testing.T) {
	store := testutil.NewStore(t, digest(
		testutil.Attachment{Name: "ra_0.png", ContentType: "image/png", Data: pngBytes(t, 10, 10, color.Black)},
	))
	dir := t.TempDir()
	p := Pipeline{Dir: dir, ImageName: DefaultImageName}

	count := p.Run(context.Background(), env(store))

	assert.Equal(t, 0, count)
	want, err := assets.Read(assets.MailNone)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, DefaultImageName))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []string{DefaultImageName}, dirNames(t, dir))
}

func TestRunPlaceholderIsIdempotent(t *testing.T) {
	msg := digest()
	msg.HTML = `<p>No mail pieces today</p><img src="https://informeddelivery.usps.com/box/image-no-mailpieces700.jpg">`
	store := testutil.NewStore(t, msg)
	dir := t.TempDir()
	p := Pipeline{Dir: dir, ImageName: "custom.gif"}

	var outputs [][]byte
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Prepare())
		count := p.Run(context.Background(), env(store))
		assert.Equal(t, 1, count)
		assert.Equal(t, []string{"custom.gif"}, dirNames(t, dir))

		data, err := os.ReadFile(filepath.Join(dir, "custom.gif"))
		require.NoError(t, err)
		outputs = append(outputs, data)
	}
	assert.True(t, bytes.Equal(outputs[0], outputs[1]))
}

func TestRunUndecodableImagesFallBack(t *testing.T) {
	store := testutil.NewStore(t, digest(
		testutil.Attachment{Name: "broken.jpg", ContentType: "image/jpeg", Data: []byte("not a jpeg")},
	))
	dir := t.TempDir()
	p := Pipeline{Dir: dir, ImageName: DefaultImageName}

	count := p.Run(context.Background(), env(store))

	assert.Equal(t, 1, count)
	want, err := assets.Read(assets.MailNone)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, DefaultImageName))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []string{DefaultImageName}, dirNames(t, dir))
}

type fakeEncoder struct {
	calls [][2]string
	err   error
}

func (f *fakeEncoder) Encode(_ context.Context, gifPath, videoPath string) error {
	f.calls = append(f.calls, [2]string{gifPath, videoPath})
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(videoPath, []byte("mp4"), 0o644)
}

func TestRunGeneratesVideo(t *testing.T) {
	store := testutil.NewStore(t)
	dir := t.TempDir()
	enc := &fakeEncoder{}
	p := Pipeline{Dir: dir, ImageName: DefaultImageName, GenerateVideo: true, Encoder: enc}

	p.Run(context.Background(), env(store))

	require.Len(t, enc.calls, 1)
	assert.Equal(t, filepath.Join(dir, "mail_today.gif"), enc.calls[0][0])
	assert.Equal(t, filepath.Join(dir, "mail_today.mp4"), enc.calls[0][1])
	assert.FileExists(t, filepath.Join(dir, "mail_today.mp4"))
}

func TestRunVideoFailureIsNotFatal(t *testing.T) {
	store := testutil.NewStore(t)
	dir := t.TempDir()
	e := env(store)
	p := Pipeline{Dir: dir, ImageName: DefaultImageName, GenerateVideo: true, Encoder: &fakeEncoder{err: errors.New("boom")}}

	count := p.Run(context.Background(), e)

	assert.Equal(t, 0, count)
	assert.FileExists(t, filepath.Join(dir, DefaultImageName))
	assert.Equal(t, 1, e.Stats.Snapshot().Errors)
}

func TestPrepareRemovesOldOutputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"old.gif", "old.mp4", "keep.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	stale := filepath.Join(dir, ".digest-123")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "1.png"), []byte("x"), 0o644))

	require.NoError(t, Pipeline{Dir: dir}.Prepare())

	assert.Equal(t, []string{"keep.txt"}, dirNames(t, dir))
}

func TestImageName(t *testing.T) {
	assert.Equal(t, DefaultImageName, ImageName(false))

	name := ImageName(true)
	assert.True(t, strings.HasSuffix(name, ".gif"))
	assert.Len(t, name, 36+len(".gif"))
	assert.NotEqual(t, name, ImageName(true))
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"photo.jpg":             "photo.jpg",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\scan.png`:  "scan.png",
		"":                      "",
		"  spaced name.png  ":   "spaced name.png",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeName(in), "input %q", in)
	}
}

func TestFitKeepsAspectOnWhiteCanvas(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			src.Set(x, y, color.Black)
		}
	}

	dst := fit(src, FrameWidth, FrameHeight)

	assert.Equal(t, image.Rect(0, 0, FrameWidth, FrameHeight), dst.Bounds())
	r, g, b, _ := dst.At(5, 5).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b})
	r, g, b, _ = dst.At(FrameWidth/2, FrameHeight/2).RGBA()
	assert.Equal(t, [3]uint32{0, 0, 0}, [3]uint32{r, g, b})
}
