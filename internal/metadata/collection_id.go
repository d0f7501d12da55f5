package metadata

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// Go's \s is ASCII-only; configured names may carry no-break or ideographic spaces.
	whitespaceRe  = regexp.MustCompile(`[\s\x{000b}\x{00a0}\x{1680}\x{2000}-\x{200a}\x{2028}\x{2029}\x{202f}\x{205f}\x{3000}\x{feff}]+`)
	nonSlugCharRe = regexp.MustCompile(`[^a-z0-9-]`)
)

// NormalizeCollectionID turns a configured target collection into a namespaced id.
// Already namespaced ids ("api::x.x", "plugin::users.user") are returned unchanged;
// plain names are lowercased, whitespace runs become "-", anything outside
// [a-z0-9-] is dropped and the result is wrapped as "api::slug.slug". Letters are
// not folded, so "Ｄｅａｌ" slugs to nothing.
func NormalizeCollectionID(name string) string {
	if name == "" || strings.Contains(name, "::") {
		return name
	}
	// a Caser is stateful, so one per call
	slug := cases.Lower(language.Und).String(name)
	slug = whitespaceRe.ReplaceAllString(slug, "-")
	slug = nonSlugCharRe.ReplaceAllString(slug, "")
	if slug == "" {
		return ""
	}
	return DefaultNamespace + "::" + slug + "." + slug
}
