package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

const planSelector = "[data-plan], .plan, .pricing-plan, .pricing-card, .price-card, .pricing-tier, .tier"

var (
	priceRe  = regexp.MustCompile(`(?i)(us\$|r\$|[$€£¥₹]|usd|eur|gbp|jpy|inr|chf)?\s*(\d{1,3}(?:[.,\s]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)\s*(€|円|usd|eur|gbp|chf)?`)
	periodRe = regexp.MustCompile(`(?i)/\s*(mo|month|yr|year|user)|per\s+(month|year|user)|monthly|annually|yearly|monat|mois|mes`)
	freeRe   = regexp.MustCompile(`(?i)\b(free|gratis|kostenlos|gratuit)\b`)
	promoRe  = regexp.MustCompile(`(?i)(most popular|recommended|best value|beliebt|populaire)`)
)

var currencyCodes = map[string]string{
	"$": "USD", "us$": "USD", "usd": "USD",
	"€": "EUR", "eur": "EUR",
	"£": "GBP", "gbp": "GBP",
	"¥": "JPY", "円": "JPY", "jpy": "JPY",
	"₹": "INR", "inr": "INR",
	"r$": "BRL",
	"chf": "CHF",
}

// ParsePricing extracts plan cards from a pricing page. It returns nil when
// no plan card is found.
func ParsePricing(doc *goquery.Document) *monitor.PricingData {
	data := &monitor.PricingData{}
	seen := make(map[string]bool)

	doc.Find(planSelector).Each(func(_ int, card *goquery.Selection) {
		// Nested matches belong to the outer card.
		if card.ParentsFiltered(planSelector).Length() > 0 {
			return
		}
		plan, currency, ok := parsePlanCard(card)
		if !ok {
			return
		}
		key := strings.ToLower(plan.Name)
		if seen[key] {
			return
		}
		seen[key] = true
		if data.Currency == "" {
			data.Currency = currency
		}
		data.Plans = append(data.Plans, plan)
	})

	if len(data.Plans) == 0 {
		return nil
	}
	return data
}

func parsePlanCard(card *goquery.Selection) (monitor.PricingPlan, string, bool) {
	var plan monitor.PricingPlan

	plan.Name = cleanText(firstText(card, "[data-plan-name], .plan-name, .plan-title, h2, h3, h4"))
	if plan.Name == "" {
		plan.Name = cleanText(card.AttrOr("data-plan", ""))
	}
	if plan.Name == "" {
		return plan, "", false
	}

	priceText := cleanText(card.Find("[data-price]").First().AttrOr("data-price", ""))
	if priceText == "" {
		priceText = cleanText(firstText(card, ".price, .amount, [class*='price']"))
	}

	var currency string
	switch {
	case priceText == "" && freeRe.MatchString(plan.Name):
		plan.Free = true
	case freeRe.MatchString(priceText):
		zero := 0.0
		plan.Price = &zero
		plan.Free = true
	case priceText != "":
		if v, cur, ok := parsePrice(priceText); ok {
			plan.Price = &v
			currency = cur
		}
	}
	if m := periodRe.FindString(card.Text()); m != "" {
		plan.Period = normalizePeriod(m)
	}

	card.Find("li").Each(func(_ int, li *goquery.Selection) {
		if f := cleanText(li.Text()); f != "" {
			plan.Features = append(plan.Features, f)
		}
	})
	plan.CTA = cleanText(firstText(card, "a.button, a.btn, button, .cta, a"))

	class := strings.ToLower(card.AttrOr("class", ""))
	plan.Promoted = strings.Contains(class, "featured") ||
		strings.Contains(class, "popular") ||
		strings.Contains(class, "recommended") ||
		strings.Contains(class, "highlight") ||
		promoRe.MatchString(card.Text())

	return plan, currency, true
}

// parsePrice reads an amount and its currency code from display text such
// as "$49", "49 €", "€1.299,00" or "CHF 12.50".
func parsePrice(text string) (float64, string, bool) {
	m := priceRe.FindStringSubmatch(text)
	if m == nil {
		return 0, "", false
	}
	symbol := strings.ToLower(m[1])
	if symbol == "" {
		symbol = strings.ToLower(m[3])
	}
	v, ok := parseAmount(m[2])
	if !ok {
		return 0, "", false
	}
	return v, currencyCodes[symbol], true
}

func parseAmount(s string) (float64, bool) {
	s = strings.ReplaceAll(s, " ", "")
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastComma > lastDot && len(s)-lastComma-1 <= 2:
		// Decimal comma: 1.299,00
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case lastDot > lastComma && len(s)-lastDot-1 <= 2:
		s = strings.ReplaceAll(s, ",", "")
	default:
		// Only thousands separators: 1,299 or 1.299
		s = strings.ReplaceAll(s, ",", "")
		s = strings.ReplaceAll(s, ".", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func normalizePeriod(m string) string {
	m = strings.ToLower(m)
	switch {
	case strings.Contains(m, "year"), strings.Contains(m, "yr"), strings.Contains(m, "annual"):
		return "year"
	case strings.Contains(m, "user"):
		return "user"
	}
	return "month"
}

func firstText(s *goquery.Selection, selector string) string {
	return s.Find(selector).First().Text()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
