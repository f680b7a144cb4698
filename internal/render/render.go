// Package render turns stored raw webhook output into HTML for the
// execution detail view. One renderer per tenant type, with an escaped
// <pre> fallback for everything else.
package render

import (
	"encoding/json"
	"html"
	"strings"

	"schedflow/internal/domain"
)

// RendererFunc renders raw output text as HTML.
type RendererFunc func(raw string) string

type Registry struct {
	renderers map[domain.TenantType]RendererFunc
}

func NewRegistry() *Registry {
	return &Registry{renderers: map[domain.TenantType]RendererFunc{
		domain.TenantMsTeams: renderMsTeams,
	}}
}

// Render applies the tenant type's renderer, falling back to escaped
// raw text.
func (r *Registry) Render(tt domain.TenantType, raw string) string {
	if fn, ok := r.renderers[tt]; ok {
		return fn(raw)
	}
	return fallback(raw)
}

func fallback(raw string) string {
	return "<pre>" + html.EscapeString(raw) + "</pre>"
}

// renderMsTeams extracts the assistant text from the webhook response
// and renders it as paragraphs. The response's output field is often
// double-encoded JSON.
func renderMsTeams(raw string) string {
	text, ok := extractOutputText(raw)
	if !ok {
		return fallback(raw)
	}

	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	if b.Len() == 0 {
		return fallback(raw)
	}
	return b.String()
}

func extractOutputText(raw string) (string, bool) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &outer); err != nil {
		return "", false
	}
	var innerJSON string
	if err := json.Unmarshal(outer["output"], &innerJSON); err != nil {
		return "", false
	}

	var inner map[string]any
	if err := json.Unmarshal([]byte(innerJSON), &inner); err == nil {
		if out, ok := inner["output"].(string); ok {
			return out, true
		}
	}
	// Inner decode failed, the string is the text itself.
	return innerJSON, true
}
