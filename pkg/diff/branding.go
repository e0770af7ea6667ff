package diff

import (
	"strings"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Branding change kinds.
const (
	KindThemeChanged  = "theme_changed"
	KindColorChanged  = "color_changed"
	KindFontsChanged  = "fonts_changed"
	KindLogoChanged   = "logo_changed"
	KindDesignRefresh = "design_refresh"
)

// RefreshColorThreshold is the number of simultaneous color changes that
// counts as a design refresh.
const RefreshColorThreshold = 3

// Branding compares color scheme, brand colors, fonts and logo.
type Branding struct{}

func (Branding) Signal() monitor.SignalType { return monitor.SignalBranding }

func (b Branding) Compare(old, cur *monitor.BrandingData) monitor.DiffResult {
	if old == nil || cur == nil {
		return Empty(b.Signal())
	}

	var changes []monitor.ChangeRecord

	oldScheme, newScheme := scheme(old.ColorScheme), scheme(cur.ColorScheme)
	if oldScheme != "" && newScheme != "" && oldScheme != newScheme {
		changes = append(changes, monitor.ChangeRecord{
			Field:    "color_scheme",
			Kind:     KindThemeChanged,
			OldValue: oldScheme,
			NewValue: newScheme,
			Severity: monitor.SeverityHigh,
		})
	}

	colorChanges := 0
	for _, name := range monitor.ColorChannelNames {
		ov, nv := NormalizeColor(old.Colors.Get(name)), NormalizeColor(cur.Colors.Get(name))
		if ov == "" || nv == "" || ov == nv {
			continue
		}
		colorChanges++
		sev := monitor.SeverityMedium
		if name == monitor.ColorPrimary {
			sev = monitor.SeverityHigh
		}
		changes = append(changes, monitor.ChangeRecord{
			Field:    "colors." + name,
			Kind:     KindColorChanged,
			OldValue: ov,
			NewValue: nv,
			Severity: sev,
		})
	}
	if colorChanges >= RefreshColorThreshold {
		changes = append(changes, monitor.ChangeRecord{
			Field:     "colors",
			Kind:      KindDesignRefresh,
			Magnitude: float64(colorChanges),
			Severity:  monitor.SeverityHigh,
		})
	}

	oldFonts, newFonts := normalizedSet(old.Fonts), normalizedSet(cur.Fonts)
	if len(oldFonts) > 0 && len(newFonts) > 0 && !sameSet(oldFonts, newFonts) {
		changes = append(changes, monitor.ChangeRecord{
			Field:    "fonts",
			Kind:     KindFontsChanged,
			OldValue: joinSet(oldFonts),
			NewValue: joinSet(newFonts),
			Severity: monitor.SeverityMedium,
		})
	}

	oldLogo, newLogo := strings.TrimSpace(old.Logo), strings.TrimSpace(cur.Logo)
	if oldLogo != "" && newLogo != "" && oldLogo != newLogo {
		changes = append(changes, monitor.ChangeRecord{
			Field:    "logo",
			Kind:     KindLogoChanged,
			OldValue: oldLogo,
			NewValue: newLogo,
			Severity: monitor.SeverityHigh,
		})
	}

	return finish(b.Signal(), changes)
}

// scheme returns "" for unknown schemes so that they compare as no value.
func scheme(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "light", "dark":
		return v
	}
	return ""
}

// NormalizeColor lowercases a color and expands #abc to #aabbcc.
func NormalizeColor(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if len(c) == 4 && c[0] == '#' {
		return string([]byte{'#', c[1], c[1], c[2], c[2], c[3], c[3]})
	}
	return c
}
