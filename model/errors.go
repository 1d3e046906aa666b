package model

import "errors"

var (
	ErrConnection = errors.New("mail store unreachable")
	ErrAuth       = errors.New("mail store rejected credentials")
	ErrFolder     = errors.New("folder unavailable")
	ErrSearch     = errors.New("search failed")
	ErrProtocol   = errors.New("mail protocol failure")
	ErrDecode     = errors.New("message body not decodable")
	ErrFileSystem = errors.New("file system error")
	ErrEncode     = errors.New("video encoding failed")
)
