package extract

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

var (
	cssVarRe     = regexp.MustCompile(`(?i)--(?:brand-|color-|theme-)?(primary|secondary|accent|background|bg|text|foreground|link)(?:-color)?\s*:\s*(#[0-9a-f]{3,8}\b|rgba?\([^)]*\))`)
	fontFamilyRe = regexp.MustCompile(`(?i)font-family\s*:\s*([^;}{]+)`)
)

var colorAliases = map[string]string{
	"bg":         monitor.ColorBackground,
	"foreground": monitor.ColorText,
}

var genericFonts = map[string]bool{
	"serif": true, "sans-serif": true, "monospace": true, "cursive": true, "fantasy": true,
	"system-ui": true, "ui-sans-serif": true, "ui-serif": true, "ui-monospace": true,
	"inherit": true, "initial": true, "unset": true, "-apple-system": true,
	"blinkmacsystemfont": true, "emoji": true,
}

// ParseBranding reads the color scheme, brand colors, fonts and logo.
// It returns nil when none of them could be determined.
func ParseBranding(doc *goquery.Document, pageURL string) *monitor.BrandingData {
	data := &monitor.BrandingData{ColorScheme: colorScheme(doc)}

	var css strings.Builder
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		css.WriteString(s.Text())
		css.WriteString("\n")
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		css.WriteString(s.AttrOr("style", ""))
		css.WriteString(";\n")
	})
	styles := css.String()

	colors := make(map[string]string)
	for _, m := range cssVarRe.FindAllStringSubmatch(styles, -1) {
		name := strings.ToLower(m[1])
		if alias, ok := colorAliases[name]; ok {
			name = alias
		}
		if _, dup := colors[name]; !dup {
			colors[name] = strings.ToLower(strings.ReplaceAll(m[2], " ", ""))
		}
	}
	if _, ok := colors[monitor.ColorPrimary]; !ok {
		if tc := strings.TrimSpace(doc.Find("meta[name=theme-color]").AttrOr("content", "")); tc != "" {
			colors[monitor.ColorPrimary] = strings.ToLower(tc)
		}
	}
	data.Colors = monitor.ColorChannels{
		Primary:    colors[monitor.ColorPrimary],
		Secondary:  colors[monitor.ColorSecondary],
		Accent:     colors[monitor.ColorAccent],
		Background: colors[monitor.ColorBackground],
		Text:       colors[monitor.ColorText],
		Link:       colors[monitor.ColorLink],
	}

	data.Fonts = fonts(doc, styles)
	data.Logo = logo(doc, pageURL)

	if data.ColorScheme == "unknown" && data.Colors == (monitor.ColorChannels{}) && len(data.Fonts) == 0 && data.Logo == "" {
		return nil
	}
	return data
}

func colorScheme(doc *goquery.Document) string {
	if cs := strings.ToLower(doc.Find("meta[name=color-scheme]").AttrOr("content", "")); cs != "" {
		// "dark light" declares dark as preferred; "light dark" the reverse.
		for _, f := range strings.Fields(cs) {
			if f == "dark" || f == "light" {
				return f
			}
		}
	}
	for _, sel := range []string{"html", "body"} {
		node := doc.Find(sel).First()
		attrs := strings.ToLower(node.AttrOr("class", "") + " " + node.AttrOr("data-theme", "") + " " + node.AttrOr("data-color-mode", ""))
		switch {
		case strings.Contains(attrs, "dark"):
			return "dark"
		case strings.Contains(attrs, "light"):
			return "light"
		}
	}
	return "unknown"
}

func fonts(doc *goquery.Document, styles string) []string {
	set := make(map[string]bool)
	for _, m := range fontFamilyRe.FindAllStringSubmatch(styles, -1) {
		for _, fam := range strings.Split(m[1], ",") {
			fam = strings.Trim(strings.TrimSpace(fam), `"'`)
			fam = strings.TrimSuffix(fam, "!important")
			fam = strings.TrimSpace(fam)
			if fam == "" || strings.HasPrefix(fam, "var(") || genericFonts[strings.ToLower(fam)] {
				continue
			}
			set[fam] = true
			break
		}
	}
	doc.Find("link[href*='fonts.googleapis.com']").Each(func(_ int, s *goquery.Selection) {
		u, err := url.Parse(s.AttrOr("href", ""))
		if err != nil {
			return
		}
		// css2 URLs carry ';' inside values, which url.ParseQuery rejects.
		for _, pair := range strings.Split(u.RawQuery, "&") {
			fam, ok := strings.CutPrefix(pair, "family=")
			if !ok {
				continue
			}
			name, err := url.QueryUnescape(fam)
			if err != nil {
				continue
			}
			if i := strings.IndexAny(name, ":|"); i >= 0 {
				name = name[:i]
			}
			name = strings.TrimSpace(strings.ReplaceAll(name, "+", " "))
			if name != "" {
				set[name] = true
			}
		}
	})
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func logo(doc *goquery.Document, pageURL string) string {
	var src string
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		hay := strings.ToLower(s.AttrOr("alt", "") + " " + s.AttrOr("class", "") + " " + s.AttrOr("id", "") + " " + s.AttrOr("src", ""))
		if strings.Contains(hay, "logo") {
			src = s.AttrOr("src", "")
			return false
		}
		return true
	})
	if src == "" {
		src = doc.Find("meta[property='og:logo']").AttrOr("content", "")
	}
	if src == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return src
	}
	ref, err := url.Parse(src)
	if err != nil {
		return src
	}
	return base.ResolveReference(ref).String()
}
