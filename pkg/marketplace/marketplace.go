// Package marketplace is a thin adapter over boundedhttp that fetches
// workshop item pages and delegates scraping to the parse subpackage.
package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/forgehost/forgehost/pkg/apperr"
	"github.com/forgehost/forgehost/pkg/boundedhttp"
	"github.com/forgehost/forgehost/pkg/marketplace/parse"
	"github.com/forgehost/forgehost/pkg/types"
)

// Client fetches and parses marketplace pages for a fixed base URL.
type Client struct {
	http *boundedhttp.Client
	base string
}

// New builds a Client. base should include a trailing slash, matching
// the upstream site's own link shape (e.g. "https://example.test/").
func New(http *boundedhttp.Client, base string) *Client {
	return &Client{http: http, base: base}
}

func (c *Client) getText(ctx context.Context, url string) (string, error) {
	borrowed, err := c.http.Acquire(ctx)
	if err != nil {
		return "", apperr.Wrap(apperr.KindHTTP, err, "acquire http permit").With("url", url)
	}
	defer borrowed.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindHTTP, err, "build request").With("url", url)
	}
	resp, err := borrowed.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindHTTP, err, "get request").With("url", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(apperr.KindHTTP, err, "read response body").With("url", url)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.KindHTTP, "unexpected marketplace status").
			With("url", url).With("status", resp.StatusCode).With("body", string(body))
	}
	return string(body), nil
}

func filedetailsURL(base string, id types.WorkshopID) string {
	return fmt.Sprintf("%ssharedfiles/filedetails/?id=%s", base, id)
}

func changelogURL(base string, id types.WorkshopID) string {
	return fmt.Sprintf("%ssharedfiles/filedetails/changelog/%s", base, id)
}

// FileDetails fetches and parses the file-details page for id.
func (c *Client) FileDetails(ctx context.Context, id types.WorkshopID) (parse.FileDetails, error) {
	text, err := c.getText(ctx, filedetailsURL(c.base, id))
	if err != nil {
		return parse.FileDetails{}, err
	}
	d, err := parse.FileDetailsPage(text)
	if err != nil {
		return parse.FileDetails{}, apperr.Wrap(apperr.KindParse, err, "parsing file details").With("workshopid", id)
	}
	return d, nil
}

// Changelog fetches and parses the changelog page for id, returning its
// latest update timestamp.
func (c *Client) Changelog(ctx context.Context, id types.WorkshopID) (int64, error) {
	text, err := c.getText(ctx, changelogURL(c.base, id))
	if err != nil {
		return 0, err
	}
	ts, err := parse.Changelog(text)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindParse, err, "parsing changelog").With("workshopid", id)
	}
	return ts, nil
}

// Collection fetches and parses a collection's member items.
func (c *Client) Collection(ctx context.Context, id types.WorkshopID) ([]types.WorkshopID, error) {
	// Collections are served from the same file-details URL shape.
	text, err := c.getText(ctx, filedetailsURL(c.base, id))
	if err != nil {
		return nil, err
	}
	items, err := parse.Collection(text)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParse, err, "parsing collection").With("workshopid", id)
	}
	return items, nil
}
