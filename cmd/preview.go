package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/service"
)

type previewFlags struct {
	mode      string
	selectors []string
	jsonPaths []string
	method    string
	headers   map[string]string
	userAgent string
	trim      bool
	sort      bool
	dedupe    bool
	waitFor   int
}

func newPreviewCmd() *cobra.Command {
	var f previewFlags
	cmd := &cobra.Command{
		Use:   "preview URL",
		Short: "Fetch a page once and print the normalized fragments as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd, args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.mode, "mode", string(monitor.ModePlain), "fetch mode: plain or renderer")
	fl.StringSliceVar(&f.selectors, "selector", nil, "CSS selector to extract (repeatable)")
	fl.StringSliceVar(&f.jsonPaths, "json-path", nil, "gjson path to extract from JSON bodies (repeatable)")
	fl.StringVar(&f.method, "method", "", "HTTP method (default GET)")
	fl.StringToStringVar(&f.headers, "header", nil, "request header as name=value (repeatable)")
	fl.StringVar(&f.userAgent, "user-agent", "", "override the configured User-Agent")
	fl.BoolVar(&f.trim, "trim", false, "trim whitespace around fragments")
	fl.BoolVar(&f.sort, "sort", false, "sort fragments")
	fl.BoolVar(&f.dedupe, "dedupe", false, "drop duplicate fragments")
	fl.IntVar(&f.waitFor, "wait-for", 0, "seconds to wait before capturing a rendered page")
	return cmd
}

func (f previewFlags) settings() monitor.ExtractionSettings {
	s := monitor.ExtractionSettings{
		UserAgent:     f.userAgent,
		HTTPMethod:    f.method,
		Headers:       f.headers,
		Deduplication: f.dedupe,
		Trim:          f.trim,
		Sort:          f.sort,
		Selectors:     f.selectors,
		JSONPaths:     f.jsonPaths,
	}
	if f.waitFor > 0 {
		s.WaitForSeconds = &f.waitFor
	}
	return s
}

func runPreview(cmd *cobra.Command, url string, f previewFlags) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			e.logger.Warn("close application", zap.Error(cerr))
		}
	}()

	result, err := a.Service().Preview(cmd.Context(), service.PreviewRequest{
		URL:      url,
		Mode:     monitor.Mode(f.mode),
		Settings: f.settings(),
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
