package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnsafeEntry = errors.New("archive: entry escapes extraction root")
	ErrNotRegular  = errors.New("archive: not a regular file")
	ErrTooLarge    = errors.New("archive: extracted size exceeds limit")
)

// DefaultMaxExtractBytes caps the total bytes Decode writes to disk.
const DefaultMaxExtractBytes int64 = 4 << 30

// Encode writes entries, in order, as a zstd-compressed tar stream. Any
// unreadable file aborts the whole archive.
func Encode(w io.Writer, entries []Entry) error {
	if len(entries) == 0 {
		return ErrNoEntries
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("archive: zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		if err := writeEntry(tw, e); err != nil {
			tw.Close()
			zw.Close()
			return fmt.Errorf("archive: add %s: %w", e.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// EncodeBytes is Encode into memory.
func EncodeBytes(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeEntry(tw *tar.Writer, e Entry) error {
	name, err := cleanName(e.Name)
	if err != nil {
		return err
	}
	info, err := os.Stat(e.Path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return ErrNotRegular
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	f, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	n, err := io.Copy(tw, f)
	if err != nil {
		return err
	}
	if n != header.Size {
		return fmt.Errorf("file changed while archiving: wrote %d of %d bytes", n, header.Size)
	}
	return nil
}

// Decode extracts a stream produced by Encode into dest and returns the
// names of the extracted files in archive order. Only regular files and
// directories are materialized.
func Decode(r io.Reader, dest string) ([]string, error) {
	return DecodeLimit(r, dest, DefaultMaxExtractBytes)
}

// DecodeLimit is Decode with the total extracted file size capped at limit
// bytes. Exceeding it fails with ErrTooLarge. A non-positive limit means
// DefaultMaxExtractBytes.
func DecodeLimit(r io.Reader, dest string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = DefaultMaxExtractBytes
	}
	zr, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(uint64(limit)+(64<<20)))
	if err != nil {
		return nil, fmt.Errorf("archive: zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}

	tr := tar.NewReader(zr)
	names := make([]string, 0)
	remaining := limit
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive: read entry: %w", err)
		}
		name, err := cleanName(hdr.Name)
		if err != nil {
			return nil, err
		}
		target, err := securejoin.SecureJoin(dest, filepath.FromSlash(name))
		if err != nil {
			return nil, fmt.Errorf("archive: resolve %s: %w", name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if hdr.Size < 0 || hdr.Size > remaining {
				return nil, fmt.Errorf("%w: %s claims %d bytes, %d left", ErrTooLarge, name, hdr.Size, remaining)
			}
			if err := extractFile(tr, target, hdr.FileInfo().Mode().Perm(), hdr.Size); err != nil {
				return nil, fmt.Errorf("archive: extract %s: %w", name, err)
			}
			remaining -= hdr.Size
			names = append(names, name)
		default:
			log.Debug().Msgf("archive.Decode skip entry name=%q type=%c", name, hdr.Typeflag)
		}
	}
	return names, nil
}

// DecodeBytes is Decode from memory.
func DecodeBytes(data []byte, dest string) ([]string, error) {
	return Decode(bytes.NewReader(data), dest)
}

// DecodeBytesLimit is DecodeLimit from memory.
func DecodeBytesLimit(data []byte, dest string, limit int64) ([]string, error) {
	return DecodeLimit(bytes.NewReader(data), dest, limit)
}

// extractFile writes exactly size bytes from r to target.
func extractFile(r io.Reader, target string, perm os.FileMode, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
