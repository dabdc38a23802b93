package cache

import (
	"fmt"
	"regexp"
	"time"

	"github.com/flosch/pongo2/v6"
)

// controlTagPattern matches pongo2 control tags. Cached SQL may use only
// variable placeholders; tags like include or ssi would reach the
// filesystem, so every {% ... %} block is rejected outright.
var controlTagPattern = regexp.MustCompile(`{%`)

// TemplateParams returns the always-available placeholder values derived
// from the run clock.
func TemplateParams(now time.Time) map[string]any {
	return map[string]any{
		"date":           now.Format("02/01/2006"),
		"time":           now.Format("15:04:05"),
		"datetime":       now.Format("02/01/2006, 15:04:05"),
		"unix_timestamp": now.Unix(),
	}
}

// RenderTemplate renders a cached SQL template. The scope is exactly the
// whitelisted clock placeholders plus the request's injected parameters;
// params values win on collision.
func RenderTemplate(tpl string, params map[string]any) (string, error) {
	if controlTagPattern.MatchString(tpl) {
		return "", fmt.Errorf("control tags are not allowed in cached SQL templates")
	}

	parsed, err := pongo2.FromString(tpl)
	if err != nil {
		return "", fmt.Errorf("parsing SQL template: %w", err)
	}

	scope := TemplateParams(time.Now())
	for k, v := range params {
		scope[k] = v
	}

	out, err := parsed.Execute(pongo2.Context(scope))
	if err != nil {
		return "", fmt.Errorf("rendering SQL template: %w", err)
	}
	return out, nil
}
