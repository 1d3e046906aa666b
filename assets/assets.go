// Package assets bundles the images written when a digest has nothing to show.
package assets

import (
	"embed"
)

const (
	// MailNone is copied as the daily image when no mail pieces were found.
	MailNone = "mail_none.gif"
	// NoMailpieces stands in for the digest's "no mail pieces" banner.
	NoMailpieces = "image-no-mailpieces700.png"
)

//go:embed mail_none.gif image-no-mailpieces700.png
var files embed.FS

// Read returns the bundled file name.
func Read(name string) ([]byte, error) {
	return files.ReadFile(name)
}
