// Package extractor turns fetched content into ordered text fragments using
// CSS selectors for HTML and gjson paths for JSON.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/tidwall/gjson"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

var errNotJSON = errors.New("content is not valid JSON")

// Extract applies the site's selectors, or its JSON paths when the selectors
// yield nothing, to content. With neither configured the whole textual content
// becomes a single fragment. A zero-length result is not an error.
func Extract(content []byte, contentType string, settings monitor.ExtractionSettings) ([]string, error) {
	jsonContent := IsJSON(content, contentType)

	if len(settings.Selectors) == 0 && len(settings.JSONPaths) == 0 {
		return wholeText(content, contentType, jsonContent)
	}

	if len(settings.Selectors) > 0 && !jsonContent {
		fragments, err := selectHTML(content, settings.Selectors)
		if err != nil {
			return nil, err
		}
		if len(fragments) > 0 || len(settings.JSONPaths) == 0 {
			return fragments, nil
		}
	}

	if len(settings.JSONPaths) > 0 {
		if !gjson.ValidBytes(content) {
			if len(settings.Selectors) > 0 {
				return []string{}, nil
			}
			return nil, &monitor.ExtractError{Err: errNotJSON}
		}
		fragments, err := selectJSON(content, settings.JSONPaths)
		if err != nil {
			return nil, &monitor.ExtractError{Err: err}
		}
		return fragments, nil
	}

	// Selectors only, against JSON content.
	return []string{}, nil
}

// IsJSON reports whether content should be treated as a JSON document.
func IsJSON(content []byte, contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return true
	case strings.Contains(ct, "html"), strings.Contains(ct, "xml"):
		return false
	}
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return gjson.ValidBytes(trimmed)
}

func parseHTML(content []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &monitor.ExtractError{Err: fmt.Errorf("parse html: %w", err)}
	}
	return doc, nil
}

func selectHTML(content []byte, selectors []string) ([]string, error) {
	doc, err := parseHTML(content)
	if err != nil {
		return nil, err
	}
	fragments := []string{}
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			fragments = append(fragments, s.Text())
		})
	}
	return fragments, nil
}

func selectJSON(content []byte, paths []string) ([]string, error) {
	fragments := []string{}
	for _, path := range paths {
		query, err := gjsonPath(path)
		if err != nil {
			return nil, fmt.Errorf("json path %q: %w", path, err)
		}
		fragments = appendValue(fragments, gjson.GetBytes(content, query))
	}
	return fragments, nil
}

// appendValue flattens arrays, keeps objects as raw JSON and stringifies scalars.
func appendValue(fragments []string, value gjson.Result) []string {
	switch {
	case !value.Exists():
		return fragments
	case value.IsArray():
		for _, item := range value.Array() {
			fragments = appendValue(fragments, item)
		}
		return fragments
	case value.IsObject():
		return append(fragments, value.Raw)
	case value.Type == gjson.Null:
		return append(fragments, "null")
	default:
		return append(fragments, value.String())
	}
}

func wholeText(content []byte, contentType string, jsonContent bool) ([]string, error) {
	html := strings.Contains(strings.ToLower(contentType), "html") || looksLikeHTML(content)
	if jsonContent || !html {
		return []string{string(bytes.TrimSpace(content))}, nil
	}
	doc, err := parseHTML(content)
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, noscript, template").Remove()
	var parts []string
	collectText(doc.Selection, &parts)
	return []string{strings.Join(strings.Fields(strings.Join(parts, " ")), " ")}, nil
}

// collectText gathers text nodes separately so adjacent elements do not run together.
func collectText(s *goquery.Selection, parts *[]string) {
	s.Contents().Each(func(_ int, child *goquery.Selection) {
		if goquery.NodeName(child) == "#text" {
			*parts = append(*parts, child.Text())
			return
		}
		collectText(child, parts)
	})
}

func looksLikeHTML(content []byte) bool {
	head := bytes.ToLower(content[:min(len(content), 512)])
	return bytes.Contains(head, []byte("<html")) ||
		bytes.Contains(head, []byte("<!doctype html")) ||
		bytes.Contains(head, []byte("<body")) ||
		bytes.Contains(head, []byte("<div")) ||
		bytes.Contains(head, []byte("<p"))
}

// ValidateSettings rejects selectors that do not compile and JSON paths with
// unbalanced brackets or JSONPath forms that have no gjson equivalent.
func ValidateSettings(settings monitor.ExtractionSettings) error {
	for i, sel := range settings.Selectors {
		field := fmt.Sprintf("settings.selectors[%d]", i)
		if strings.TrimSpace(sel) == "" {
			return monitor.NewConfigError(field, "selector must not be empty")
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return monitor.NewConfigError(field, err.Error())
		}
	}
	for i, path := range settings.JSONPaths {
		field := fmt.Sprintf("settings.json_paths[%d]", i)
		if strings.TrimSpace(path) == "" {
			return monitor.NewConfigError(field, "path must not be empty")
		}
		if !balanced(path) {
			return monitor.NewConfigError(field, "unbalanced brackets in path")
		}
		if _, err := gjsonPath(path); err != nil {
			return monitor.NewConfigError(field, err.Error())
		}
	}
	return nil
}

func balanced(path string) bool {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	for _, r := range path {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}
