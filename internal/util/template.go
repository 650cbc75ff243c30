package util

import (
	"strings"
	"text/template"
)

// RenderTemplate expands {{.field}} markers in prompt text against collected
// state. Internal so the template surface can change without an API break.
func RenderTemplate(text string, state map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New("prompt").Option("missingkey=zero").Funcs(template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"default": func(fallback, val any) any {
			if val == nil || val == "" {
				return fallback
			}
			return val
		},
	}).Parse(text)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, state); err != nil {
		return "", err
	}
	return b.String(), nil
}
