// Package archive names the blob paths raw page bodies are archived under.
package archive

import (
	"fmt"
	"strings"
)

// Path returns <prefix>/<siteID>/<digest>.html, or <siteID>/<digest>.html
// when prefix is empty.
func Path(prefix, siteID, digest string) string {
	return Dir(prefix, siteID) + digest + ".html"
}

// Dir returns the directory prefix holding every archived body of a site,
// with a trailing slash.
func Dir(prefix, siteID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return siteID + "/"
	}
	return fmt.Sprintf("%s/%s/", prefix, siteID)
}
