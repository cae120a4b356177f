// Package archive packs a directory into a single compressed tar file and
// restores it. It carries index snapshots between processes and hosts.
package archive

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

var (
	// ErrNotFound is returned by Unpack when the archive file does not exist.
	ErrNotFound = errors.New("archive not found")

	// ErrCorrupt is returned by Unpack when the archive cannot be decoded.
	ErrCorrupt = errors.New("archive corrupt")
)

// partialSuffix marks an archive that is still being written.
const partialSuffix = ".partial"

// Pack writes the contents of srcDir to dst. The archive is written next to dst
// and renamed into place once complete, so readers never see a half-written file.
func Pack(srcDir, dst string, c Compression) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	tmp := dst + partialSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(f)
	cw, err := newWriter(bw, c)
	if err != nil {
		return fmt.Errorf("open %s writer: %w", c, err)
	}

	tw := tar.NewWriter(cw)
	files, err := writeTarDir(tw, srcDir)
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar stream: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("finish %s stream: %w", c, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename archive: %w", err)
	}

	log.Debug("Packed archive", "path", dst, "files", files, "compression", c)
	return nil
}

// writeTarDir adds every directory and regular file under root, named relative to root.
func writeTarDir(tw *tar.Writer, root string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     0755,
				ModTime:  info.ModTime(),
			})
		case info.Mode().IsRegular():
			if err := writeTarFile(tw, name, path, info); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("write %s: %w", root, err)
	}
	return count, nil
}

func writeTarFile(tw *tar.Writer, name, path string, info fs.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     info.Size(),
		Mode:     0644,
		ModTime:  info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Unpack extracts the archive at src into dstDir, creating it if needed.
// The whole compressed stream is read so that trailing checksums are verified.
func Unpack(src, dstDir string) error {
	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	dec, c, err := newReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer dec.close()

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dstDir, err)
	}

	tr := tar.NewReader(dec)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: read tar entry: %v", ErrCorrupt, err)
		}

		if !filepath.IsLocal(hdr.Name) {
			return fmt.Errorf("%w: unsafe entry name %q", ErrCorrupt, hdr.Name)
		}
		dest := filepath.Join(dstDir, filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/")))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("create %s: %w", dest, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, dest); err != nil {
				return err
			}
			files++
		default:
			log.Warn("Skipping unsupported archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}

	if _, err := io.Copy(io.Discard, dec); err != nil {
		return fmt.Errorf("%w: verify %s stream: %v", ErrCorrupt, c, err)
	}

	log.Debug("Unpacked archive", "path", src, "files", files, "compression", c)
	return nil
}

func extractFile(tr *tar.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return fmt.Errorf("%w: extract %s: %v", ErrCorrupt, dest, err)
	}
	return out.Close()
}
