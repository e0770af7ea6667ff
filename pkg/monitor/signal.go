package monitor

// SignalType tags the kind of content a snapshot carries.
type SignalType string

const (
	SignalPricing     SignalType = "pricing"
	SignalTechStack   SignalType = "techstack"
	SignalBranding    SignalType = "branding"
	SignalPerformance SignalType = "performance"
)

// AllSignals lists signal types in processing order.
var AllSignals = []SignalType{SignalPricing, SignalTechStack, SignalBranding, SignalPerformance}

// PricingPlan is one named plan on a pricing page.
type PricingPlan struct {
	Name     string   `json:"name"`
	Price    *float64 `json:"price,omitempty"`
	Period   string   `json:"period,omitempty"`
	Features []string `json:"features,omitempty"`
	CTA      string   `json:"cta,omitempty"`
	Promoted bool     `json:"promoted,omitempty"`
	Free     bool     `json:"free,omitempty"`
}

// IsFree reports whether the plan is a free tier.
func (p PricingPlan) IsFree() bool {
	return p.Free || (p.Price != nil && *p.Price == 0)
}

// PricingData is the structured payload of a pricing snapshot.
type PricingData struct {
	Currency string        `json:"currency,omitempty"`
	Plans    []PricingPlan `json:"plans"`
}

// Technology is one detected technology on a page.
type Technology struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Version  string `json:"version,omitempty"`
}

// TechData is the structured payload of a tech stack snapshot.
type TechData struct {
	Technologies []Technology `json:"technologies"`
}

// Color channel names, in comparison order.
const (
	ColorPrimary    = "primary"
	ColorSecondary  = "secondary"
	ColorAccent     = "accent"
	ColorBackground = "background"
	ColorText       = "text"
	ColorLink       = "link"
)

// ColorChannels holds the six named brand colors.
type ColorChannels struct {
	Primary    string `json:"primary,omitempty"`
	Secondary  string `json:"secondary,omitempty"`
	Accent     string `json:"accent,omitempty"`
	Background string `json:"background,omitempty"`
	Text       string `json:"text,omitempty"`
	Link       string `json:"link,omitempty"`
}

// Get returns the value of the named channel.
func (c ColorChannels) Get(name string) string {
	switch name {
	case ColorPrimary:
		return c.Primary
	case ColorSecondary:
		return c.Secondary
	case ColorAccent:
		return c.Accent
	case ColorBackground:
		return c.Background
	case ColorText:
		return c.Text
	case ColorLink:
		return c.Link
	}
	return ""
}

// ColorChannelNames lists the channels in a stable order.
var ColorChannelNames = []string{ColorPrimary, ColorSecondary, ColorAccent, ColorBackground, ColorText, ColorLink}

// BrandingData is the structured payload of a branding snapshot.
type BrandingData struct {
	ColorScheme string        `json:"color_scheme"` // light | dark | unknown
	Colors      ColorChannels `json:"colors"`
	Fonts       []string      `json:"fonts,omitempty"`
	Logo        string        `json:"logo,omitempty"`
}

// PerformanceData is the structured payload of a performance snapshot.
type PerformanceData struct {
	Score *float64 `json:"score,omitempty"`
	LCPMs *float64 `json:"lcp_ms,omitempty"`
	CLS   *float64 `json:"cls,omitempty"`
}

// Content is everything one extraction produced, keyed by signal.
// A nil field means the signal was not captured this run.
type Content struct {
	Pricing     *PricingData     `json:"pricing,omitempty"`
	Tech        *TechData        `json:"tech,omitempty"`
	Branding    *BrandingData    `json:"branding,omitempty"`
	Performance *PerformanceData `json:"performance,omitempty"`
}

// Payload returns the payload for a signal, or nil if it was not captured.
func (c Content) Payload(s SignalType) any {
	switch s {
	case SignalPricing:
		if c.Pricing != nil {
			return c.Pricing
		}
	case SignalTechStack:
		if c.Tech != nil {
			return c.Tech
		}
	case SignalBranding:
		if c.Branding != nil {
			return c.Branding
		}
	case SignalPerformance:
		if c.Performance != nil {
			return c.Performance
		}
	}
	return nil
}

// Empty reports whether no signal was captured.
func (c Content) Empty() bool {
	return c.Pricing == nil && c.Tech == nil && c.Branding == nil && c.Performance == nil
}
