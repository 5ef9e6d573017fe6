package smap

import "errors"

var (
	ErrClosed           = errors.New("closed")
	ErrOutOfRange       = errors.New("out of range")
	ErrUnderflow        = errors.New("underflow")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrUnsupported      = errors.New("unsupported")
	ErrRecursive        = errors.New("recursive call")
	ErrBadRoot          = errors.New("bad root")
	ErrBadChecksum      = errors.New("bad checksum")
	ErrBadIndex         = errors.New("bad index")
	ErrInconsistent     = errors.New("inconsistent index")
	ErrNoSpace          = errors.New("no space")
	ErrInvalidBlockSize = errors.New("invalid block size")
)
