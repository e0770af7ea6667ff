package extract

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/weppos/publicsuffix-go/publicsuffix"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// techSignature identifies a technology either by the registrable domain
// of a script/link/iframe host or by a fragment in the raw document.
type techSignature struct {
	name     string
	category string
	domains  []string
	markers  []string
}

var techSignatures = []techSignature{
	{name: "Stripe", category: "payment", domains: []string{"stripe.com", "stripe.network"}},
	{name: "Paddle", category: "payment", domains: []string{"paddle.com"}},
	{name: "PayPal", category: "payment", domains: []string{"paypal.com", "paypalobjects.com"}},
	{name: "Chargebee", category: "payment", domains: []string{"chargebee.com"}},
	{name: "Braintree", category: "payment", domains: []string{"braintreegateway.com"}},
	{name: "Google Analytics", category: "analytics", domains: []string{"google-analytics.com"}, markers: []string{"gtag('config'", "ga('create'"}},
	{name: "Segment", category: "analytics", domains: []string{"segment.com", "segment.io"}},
	{name: "Mixpanel", category: "analytics", domains: []string{"mixpanel.com"}},
	{name: "Amplitude", category: "analytics", domains: []string{"amplitude.com"}},
	{name: "Hotjar", category: "analytics", domains: []string{"hotjar.com"}},
	{name: "Heap", category: "analytics", domains: []string{"heapanalytics.com"}},
	{name: "Plausible", category: "analytics", domains: []string{"plausible.io"}},
	{name: "Google Tag Manager", category: "marketing", domains: []string{"googletagmanager.com"}},
	{name: "HubSpot", category: "marketing", domains: []string{"hubspot.com", "hs-scripts.com", "hsforms.net"}},
	{name: "Marketo", category: "marketing", domains: []string{"marketo.net", "mktoresp.com"}},
	{name: "Facebook Pixel", category: "marketing", domains: []string{"facebook.net"}},
	{name: "LinkedIn Insight", category: "marketing", domains: []string{"licdn.com"}},
	{name: "Intercom", category: "chat", domains: []string{"intercom.io", "intercomcdn.com"}},
	{name: "Drift", category: "chat", domains: []string{"drift.com", "driftt.com"}},
	{name: "Zendesk", category: "chat", domains: []string{"zdassets.com", "zendesk.com"}},
	{name: "Crisp", category: "chat", domains: []string{"crisp.chat"}},
	{name: "LiveChat", category: "chat", domains: []string{"livechatinc.com"}},
	{name: "Cloudflare", category: "cdn", domains: []string{"cloudflare.com", "cloudflareinsights.com"}},
	{name: "jsDelivr", category: "cdn", domains: []string{"jsdelivr.net"}},
	{name: "Shopify", category: "ecommerce", domains: []string{"shopify.com", "shopifycdn.com"}, markers: []string{"shopify.theme"}},
	{name: "Next.js", category: "framework", markers: []string{"__next_data__", "/_next/static/"}},
	{name: "Nuxt", category: "framework", markers: []string{"__nuxt", "/_nuxt/"}},
	{name: "React", category: "framework", markers: []string{"data-reactroot", "react-dom"}},
	{name: "Vue.js", category: "framework", markers: []string{"data-v-app", "vue.runtime"}},
	{name: "Angular", category: "framework", markers: []string{"ng-version="}},
	{name: "WordPress", category: "cms", markers: []string{"/wp-content/", "/wp-includes/"}},
	{name: "Webflow", category: "cms", domains: []string{"webflow.com"}, markers: []string{"data-wf-page"}},
	{name: "Contentful", category: "cms", domains: []string{"ctfassets.net"}},
}

var generatorVersionRe = regexp.MustCompile(`^(.+?)\s+v?(\d+(?:\.\d+)*)$`)

// ParseTechStack detects technologies from third-party hosts, document
// markers and the generator meta tag.
func ParseTechStack(doc *goquery.Document, rawHTML, pageURL string) *monitor.TechData {
	pageDomain := RegistrableDomain(hostOf(pageURL))
	hosts := thirdPartyDomains(doc, pageURL, pageDomain)
	lower := strings.ToLower(rawHTML)

	found := make(map[string]monitor.Technology)
	for _, sig := range techSignatures {
		if matchesSignature(sig, hosts, lower) {
			found[sig.name] = monitor.Technology{Name: sig.name, Category: sig.category}
		}
	}

	if gen := strings.TrimSpace(doc.Find("meta[name=generator]").AttrOr("content", "")); gen != "" {
		name, version := gen, ""
		if m := generatorVersionRe.FindStringSubmatch(gen); m != nil {
			name, version = m[1], m[2]
		}
		t, ok := found[name]
		if !ok {
			t = monitor.Technology{Name: name, Category: "cms"}
		}
		t.Version = version
		found[name] = t
	}

	if len(found) == 0 {
		return nil
	}
	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	data := &monitor.TechData{}
	for _, n := range names {
		data.Technologies = append(data.Technologies, found[n])
	}
	return data
}

func matchesSignature(sig techSignature, hosts map[string]bool, lower string) bool {
	for _, d := range sig.domains {
		if hosts[d] {
			return true
		}
	}
	for _, m := range sig.markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// thirdPartyDomains collects registrable domains of external resources.
func thirdPartyDomains(doc *goquery.Document, pageURL, pageDomain string) map[string]bool {
	base, _ := url.Parse(pageURL)
	hosts := make(map[string]bool)
	doc.Find("script[src], link[href], iframe[src], img[src]").Each(func(_ int, s *goquery.Selection) {
		ref := s.AttrOr("src", s.AttrOr("href", ""))
		u, err := url.Parse(strings.TrimSpace(ref))
		if err != nil {
			return
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		d := RegistrableDomain(u.Hostname())
		if d != "" && d != pageDomain {
			hosts[d] = true
		}
	})
	return hosts
}

// RegistrableDomain returns the eTLD+1 of host, or the lowercased host when
// it has no public suffix (IPs, localhost).
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return ""
	}
	d, err := publicsuffix.Domain(host)
	if err != nil {
		return host
	}
	return d
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
