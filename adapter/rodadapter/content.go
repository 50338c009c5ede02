package rodadapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/portablesession/psp/state"
)

// ExtensionPageContent is the extensions key CapturePageContent writes.
const ExtensionPageContent = "pageContent"

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// CapturePageContent stores a sanitized markdown rendering of the current
// page under s.Extensions["pageContent"]. Script, style, and event handler
// attributes are stripped before conversion so the snapshot is inert text.
func (p *Page) CapturePageContent(ctx context.Context, s *state.SessionState) error {
	raw, err := p.Eval(ctx, `() => document.documentElement.outerHTML`)
	if err != nil {
		return fmt.Errorf("rodadapter: read page html: %w", err)
	}
	var html string
	if err := json.Unmarshal(raw, &html); err != nil {
		return fmt.Errorf("rodadapter: decode page html: %w", err)
	}

	clean := bluemonday.UGCPolicy().Sanitize(html)
	md, err := mdConverter.ConvertString(clean)
	if err != nil {
		return fmt.Errorf("rodadapter: convert page html: %w", err)
	}

	if s.Extensions == nil {
		s.Extensions = map[string]any{}
	}
	s.Extensions[ExtensionPageContent] = md
	return nil
}
