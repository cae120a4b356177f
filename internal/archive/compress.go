package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the codec wrapped around the tar stream.
type Compression string

const (
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
	LZ4  Compression = "lz4"
)

// DefaultCompression is used when none is configured.
const DefaultCompression = Gzip

// ParseCompression resolves a configured codec name. Empty selects the default.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return DefaultCompression, nil
	case Gzip, Zstd, LZ4:
		return c, nil
	}
	return "", fmt.Errorf("unknown compression: %q", s)
}

// Magic numbers at the start of each compressed stream.
var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

func newWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case Gzip, "":
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderCRC(true))
	case LZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.ChecksumOption(true), lz4.BlockChecksumOption(true)); err != nil {
			return nil, err
		}
		return zw, nil
	}
	return nil, fmt.Errorf("unknown compression: %q", c)
}

// detect peeks at the stream header and returns the matching codec.
func detect(br *bufio.Reader) (Compression, error) {
	head, err := br.Peek(4)
	if err != nil && len(head) < len(gzipMagic) {
		return "", fmt.Errorf("archive too short: %w", err)
	}
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd, nil
	case bytes.HasPrefix(head, lz4Magic):
		return LZ4, nil
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip, nil
	}
	return "", fmt.Errorf("unrecognized archive header %x", head)
}

// decoder is a decompressing reader plus whatever cleanup its codec needs.
type decoder struct {
	io.Reader
	close func()
}

func newReader(br *bufio.Reader) (*decoder, Compression, error) {
	c, err := detect(br)
	if err != nil {
		return nil, "", err
	}

	switch c {
	case Zstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, c, err
		}
		return &decoder{Reader: zr, close: zr.Close}, c, nil
	case LZ4:
		return &decoder{Reader: lz4.NewReader(br), close: func() {}}, c, nil
	default:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, c, err
		}
		return &decoder{Reader: gr, close: func() { gr.Close() }}, c, nil
	}
}
