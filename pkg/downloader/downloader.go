// Package downloader fetches versioned content archives and validates
// their dedup metadata before anything else touches the bytes.
package downloader

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/forgehost/forgehost/pkg/apperr"
	"github.com/forgehost/forgehost/pkg/boundedhttp"
	"github.com/forgehost/forgehost/pkg/types"
)

// Client fetches content archives for a fixed base URL.
type Client struct {
	http *boundedhttp.Client
	base string
}

// New builds a Client. base should include a trailing slash.
func New(http *boundedhttp.Client, base string) *Client {
	return &Client{http: http, base: base}
}

// File is the validated result of Download.
type File struct {
	Size int64
	ETag types.ETag
	Data []byte
}

func downloadURL(base string, id types.WorkshopID) string {
	return fmt.Sprintf("%sdownload/%s.tar.zstd"+
		"?exclude=*.ogg&exclude=*.sub&exclude=*.dll&exclude=*.so&exclude=*.pdb", base, id)
}

// Download POSTs a long-poll download request for id, validates the
// ETag and Uncompressed-Size response headers, and returns the body.
func (c *Client) Download(ctx context.Context, id types.WorkshopID) (File, error) {
	url := downloadURL(c.base, id)

	borrowed, err := c.http.Acquire(ctx)
	if err != nil {
		return File{}, apperr.Wrap(apperr.KindHTTP, err, "acquire http permit").With("url", url)
	}
	defer borrowed.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return File{}, apperr.Wrap(apperr.KindHTTP, err, "build request").With("url", url)
	}
	req.Header.Set("Prefer", "wait=20")

	resp, err := borrowed.Do(req)
	if err != nil {
		return File{}, apperr.Wrap(apperr.KindHTTP, err, "download request").With("url", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return File{}, apperr.New(apperr.KindHTTP, "unexpected downloader status").
			With("url", url).With("status", resp.StatusCode).With("body", string(body))
	}

	etagRaw := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etagRaw == "" {
		return File{}, apperr.New(apperr.KindHTTP, "missing or invalid etag header").With("url", url)
	}
	if _, err := base64.StdEncoding.DecodeString(etagRaw); err != nil {
		return File{}, apperr.Wrap(apperr.KindHTTP, err, "invalid etag header").With("url", url).With("etag", etagRaw)
	}

	sizeRaw := resp.Header.Get("Uncompressed-Size")
	size, err := strconv.ParseInt(sizeRaw, 10, 64)
	if sizeRaw == "" || err != nil {
		return File{}, apperr.New(apperr.KindHTTP, "missing or invalid uncompressed-size header").
			With("url", url).With("uncompressed_size", sizeRaw)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return File{}, apperr.Wrap(apperr.KindHTTP, err, "read response body").With("url", url)
	}

	return File{Size: size, ETag: types.ETag(etagRaw), Data: data}, nil
}
