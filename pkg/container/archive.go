package container

import (
	"archive/tar"
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/forgehost/forgehost/pkg/apperr"
)

// decompressToTar turns a zstd-compressed tar archive into a plain tar
// stream suitable for UploadArchive, which expects application/x-tar.
func decompressToTar(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "init zstd decoder")
	}
	defer decoder.Close()

	out, err := io.ReadAll(decoder)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "decompress archive")
	}
	return out, nil
}

// compressTar zstd-encodes a tar stream, used when pulling a build's
// fragment directory back out of a container for storage.
func compressTar(tarBytes []byte) ([]byte, error) {
	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "init zstd encoder")
	}
	if _, err := encoder.Write(tarBytes); err != nil {
		encoder.Close()
		return nil, apperr.Wrap(apperr.KindContainer, err, "compress archive")
	}
	if err := encoder.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "close zstd encoder")
	}
	return buf.Bytes(), nil
}

// ExtractManifest pulls the content-package manifest (filelist.xml, at
// the archive root) out of a downloaded item's zstd-compressed tar and
// returns its raw XML. Callers treat a missing manifest as best-effort
// and log rather than propagate, per the extractable-but-missing
// content-package case.
func ExtractManifest(data []byte) (string, error) {
	tarBytes, err := decompressToTar(data)
	if err != nil {
		return "", err
	}

	r := tar.NewReader(bytes.NewReader(tarBytes))
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return "", apperr.New(apperr.KindContainer, "filelist.xml not found in archive")
		}
		if err != nil {
			return "", apperr.Wrap(apperr.KindContainer, err, "read tar entry")
		}
		if strings.TrimPrefix(hdr.Name, "./") != "filelist.xml" {
			continue
		}
		manifest, err := io.ReadAll(r)
		if err != nil {
			return "", apperr.Wrap(apperr.KindContainer, err, "read filelist.xml")
		}
		return string(manifest), nil
	}
}

// singleFileTar wraps data as a one-entry tar archive named name,
// suitable for UploadArchive's destination-directory semantics (the
// engine extracts it relative to the upload path).
func singleFileTar(name string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
	if err := w.WriteHeader(hdr); err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "write tar header").With("name", name)
	}
	if _, err := w.Write(data); err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "write tar body").With("name", name)
	}
	if err := w.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "close tar writer").With("name", name)
	}
	return buf.Bytes(), nil
}
