// Package strategy decides how a target page is fetched for a monitoring
// context and when a lightweight fetch must be escalated to rich rendering.
package strategy

import (
	"strings"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Select returns the initial extraction method for this cycle.
func Select(mctx monitor.MonitoringContext, prior *monitor.Snapshot, hint monitor.Method) monitor.Method {
	if mctx.RequiresRichRendering {
		return monitor.MethodRichRender
	}
	if hint == monitor.MethodRichRender {
		return monitor.MethodRichRender
	}
	if hint == "" && prior != nil && prior.Method == monitor.MethodRichRender {
		return monitor.MethodRichRender
	}
	return monitor.MethodLightweight
}

// softBlockSignatures are lowercase fragments seen on anti-automation pages.
var softBlockSignatures = []string{
	"captcha",
	"cf-chl-",
	"just a moment...",
	"attention required! | cloudflare",
	"access denied",
	"are you a robot",
	"unusual traffic",
	"px-captcha",
	"request unsuccessful. incapsula",
}

// currencySymbols maps a context key to the symbols expected on a localized
// pricing page. Keys not listed here expect nothing in particular.
var currencySymbols = map[string][]string{
	"us": {"$", "usd"},
	"ca": {"$", "cad"},
	"au": {"$", "aud"},
	"uk": {"£", "gbp"},
	"gb": {"£", "gbp"},
	"eu": {"€", "eur"},
	"de": {"€", "eur"},
	"fr": {"€", "eur"},
	"es": {"€", "eur"},
	"it": {"€", "eur"},
	"nl": {"€", "eur"},
	"jp": {"¥", "円", "jpy"},
	"in": {"₹", "inr"},
	"br": {"r$", "brl"},
	"ch": {"chf"},
}

// ExpectedCurrencies returns the currency markers for a context key.
func ExpectedCurrencies(contextKey string) []string {
	key := strings.ToLower(strings.TrimSpace(contextKey))
	if syms, ok := currencySymbols[key]; ok {
		return syms
	}
	// en-us, de-de and similar locale keys.
	if i := strings.LastIndexAny(key, "-_"); i >= 0 {
		return currencySymbols[key[i+1:]]
	}
	return nil
}

// SoftBlocked reports whether the body looks like an anti-automation page.
func SoftBlocked(body string) bool {
	lower := strings.ToLower(body)
	for _, sig := range softBlockSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// NeedsEscalation is the richness check run after a lightweight fetch. It
// returns true with a reason when the content must be re-extracted with
// rich rendering for this cycle.
func NeedsEscalation(mctx monitor.MonitoringContext, body string, content monitor.Content) (bool, string) {
	if SoftBlocked(body) {
		return true, "soft-block signature detected"
	}
	if content.Empty() {
		return true, "no signal content extracted"
	}
	if syms := ExpectedCurrencies(mctx.Key); len(syms) > 0 && content.Pricing != nil {
		lower := strings.ToLower(body)
		found := false
		for _, s := range syms {
			if strings.Contains(lower, s) {
				found = true
				break
			}
		}
		if !found {
			return true, "no " + mctx.Key + " currency markers on page"
		}
	}
	return false, ""
}
