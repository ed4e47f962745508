// Package parse declares the marketplace page parsers as pure functions.
// marketplace.Client calls them directly, so every other package can
// depend on a stable contract. The bodies (html.go) are minimal scrapers
// that match a few fixed markup shapes with regular expressions and
// encoding/xml; no HTML parsing library is used.
package parse

import "github.com/forgehost/forgehost/pkg/types"

// FileDetails is the parsed shape of a single workshop item's details
// page: either a single file (Collection is nil) or a collection (Title
// and Authors are empty and Collection lists child ids).
type FileDetails struct {
	WorkshopID types.WorkshopID
	Title      string
	Authors    []string
	Collection []types.WorkshopID
}

// FileDetailsPage parses a file-details page body.
func FileDetailsPage(html string) (FileDetails, error) {
	return parseFileDetails(html)
}

// Changelog parses a changelog page body into the latest update
// timestamp (unix seconds).
func Changelog(html string) (int64, error) {
	return parseChangelog(html)
}

// Collection parses a collection page body into its member item ids.
func Collection(html string) ([]types.WorkshopID, error) {
	return parseCollection(html)
}

// ContentPackage is the parsed shape of an archive's package manifest.
type ContentPackage struct {
	Name          string
	VersionString string
}

// ContentPackageManifest parses a content-package manifest (XML)
// extracted from a downloaded archive.
func ContentPackageManifest(xml string) (ContentPackage, error) {
	return parseContentPackage(xml)
}
