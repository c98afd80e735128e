package utils

import (
	"fmt"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`%\(([a-zA-Z0-9_.]+)\)`)

// Interpolate replaces %(key) placeholders in template with values from ctx.
// Unknown keys are left untouched so the raw template stays inspectable.
func Interpolate(template string, ctx map[string]any) string {
	if len(ctx) == 0 {
		return template
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := ctx[key]
		if !ok {
			return match
		}
		return fmt.Sprint(value)
	})
}
