package notifier

import (
	"strings"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// DefaultTemplate is used when a site has no template of its own.
const DefaultTemplate = "*Website:* {{.Name}}\n*Mode*: {{.Mode}}\n\n*Details:*\n" +
	"- URL: {{.URL}}\n- Last Checked: {{.LastChecked}}\n- Diff:\n```diff\n{{.Diff}}\n```"

// TemplateData is the closed set of values a template may reference.
type TemplateData struct {
	Name        string
	Mode        string
	URL         string
	LastChecked string
	Diff        string
}

// NewTemplateData builds the render context for one change.
func NewTemplateData(site monitor.MonitoredSite, result monitor.DiffResult, checkedAt time.Time) TemplateData {
	return TemplateData{
		Name:        site.Name,
		Mode:        string(site.Mode),
		URL:         site.URL,
		LastChecked: checkedAt.UTC().Format(time.RFC3339),
		Diff:        strings.TrimRight(result.Text, "\n"),
	}
}

// Render replaces the recognized placeholders in tpl. Any other text,
// including unknown placeholders, is passed through verbatim.
func Render(tpl string, data TemplateData) string {
	return strings.NewReplacer(
		"{{.Name}}", data.Name,
		"{{.Mode}}", data.Mode,
		"{{.URL}}", data.URL,
		"{{.LastChecked}}", data.LastChecked,
		"{{.Diff}}", data.Diff,
	).Replace(tpl)
}

// TemplateFor returns the site's template or DefaultTemplate.
func TemplateFor(site monitor.MonitoredSite) string {
	if site.Settings.Template != nil && strings.TrimSpace(*site.Settings.Template) != "" {
		return *site.Settings.Template
	}
	return DefaultTemplate
}
