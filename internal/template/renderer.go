// Package template renders alert message templates from event fields using
// the Liquid template language. Rendering is lax by policy: a partially
// rendered alert is always preferred over a dropped alert.
package template

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/alertstream/engine/internal/domain"
	"github.com/osteele/liquid"
)

// Channel maximum message lengths. SMS is capped by the provider's
// concatenated-segment limit; webhook and email payloads are much larger.
const (
	MaxLenSMS     = 1600
	MaxLenWebhook = 256 * 1024
	MaxLenEmail   = 256 * 1024
)

// Result contains the rendered output plus non-fatal diagnostics. Warnings
// and truncation are recorded on the dispatch attempt but never fail it.
type Result struct {
	Output    string   `json:"output"`
	Warnings  []string `json:"warnings,omitempty"`
	Truncated bool     `json:"truncated"`
}

// Renderer renders Liquid templates with caching of parsed templates.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template string -> *liquid.Template
}

// NewRenderer creates a renderer with domain-specific filters registered.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// Default value filter: {{ first_name | default: "there" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Uppercase: {{ sku | upcase }}
	engine.RegisterFilter("upcase", strings.ToUpper)

	return &Renderer{engine: engine}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)`)

// Render fills the template from event fields and truncates the output to
// the channel's maximum length. Missing placeholders render as empty
// strings and produce a warning; template syntax errors degrade to the raw
// template text rather than failing the dispatch.
func (r *Renderer) Render(templateStr string, fields map[string]any, channel domain.ChannelType) *Result {
	result := &Result{}

	// Warn on placeholders that reference absent fields (they render empty)
	for _, m := range placeholderRe.FindAllStringSubmatch(templateStr, -1) {
		name := m[1]
		if _, ok := fields[name]; !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("field %q missing, substituted empty string", name))
		}
	}

	tpl, err := r.parse(templateStr)
	if err != nil {
		// Unparseable template: send it verbatim rather than drop the alert
		result.Warnings = append(result.Warnings, fmt.Sprintf("template parse error: %v", err))
		result.Output = templateStr
	} else {
		out, err := tpl.RenderString(fields)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("template render error: %v", err))
			result.Output = templateStr
		} else {
			result.Output = out
		}
	}

	if max := maxLen(channel); len(result.Output) > max {
		result.Output = truncate(result.Output, max)
		result.Truncated = true
	}
	return result
}

// truncate cuts s to at most max bytes without splitting a multi-byte rune.
func truncate(s string, max int) string {
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func (r *Renderer) parse(templateStr string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(templateStr); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(templateStr)
	if err != nil {
		return nil, err
	}
	r.cache.Store(templateStr, tpl)
	return tpl, nil
}

func maxLen(channel domain.ChannelType) int {
	switch channel {
	case domain.ChannelSMS:
		return MaxLenSMS
	case domain.ChannelEmail:
		return MaxLenEmail
	default:
		return MaxLenWebhook
	}
}
