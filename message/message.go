// Package message decodes the parts of a raw RFC 5322 message the
// classifiers look at: the subject and the first body part.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html/charset"

	"github.com/dhcgn/mail-and-packages/model"
)

func init() {
	gomessage.CharsetReader = charset.NewReaderLabel
}

// Subject returns the decoded Subject header of raw.
func Subject(raw []byte) (string, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return "", fmt.Errorf("%w: read header: %v", model.ErrDecode, err)
	}
	header := mail.Header{Header: entity.Header}
	subject, err := header.Subject()
	if err != nil {
		// Undecodable encoded-words: fall back to the raw header value.
		return header.Get("Subject"), nil
	}
	return subject, nil
}

// FirstPart returns the transfer- and charset-decoded text of the first leaf
// body part. For single-part messages that is the body itself.
func FirstPart(raw []byte) (string, error) {
	entity, err := read(raw)
	if err != nil {
		return "", err
	}
	leaf, err := firstLeaf(entity)
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(leaf.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	return string(body), nil
}

// read parses raw, tolerating unknown charsets: such parts are returned
// undecoded.
func read(raw []byte) (*gomessage.Entity, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	return entity, nil
}

func firstLeaf(entity *gomessage.Entity) (*gomessage.Entity, error) {
	for {
		mr := entity.MultipartReader()
		if mr == nil {
			return entity, nil
		}
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty multipart body", model.ErrDecode)
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
		}
		entity = part
	}
}

// HTMLParts returns the decoded bodies of every text/html part of raw.
func HTMLParts(raw []byte) ([]string, error) {
	entity, err := read(raw)
	if err != nil {
		return nil, err
	}

	var parts []string
	err = entity.Walk(func(_ []int, part *gomessage.Entity, err error) error {
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return err
		}
		mediaType, _, _ := part.Header.ContentType()
		if !strings.EqualFold(mediaType, "text/html") {
			return nil
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return err
		}
		parts = append(parts, string(body))
		return nil
	})
	if err != nil {
		return parts, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	return parts, nil
}
