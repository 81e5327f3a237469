package message

import (
	"errors"
	"fmt"
	"strings"

	"deal-poster/pkg/deals"
)

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// Formatter renders deals as Telegram HTML posts.
type Formatter struct {
	extraTags []string // Appended after the category hashtags on every post
}

// NewFormatter creates a formatter. extraTags are added to every post.
func NewFormatter(extraTags ...string) *Formatter {
	return &Formatter{extraTags: extraTags}
}

// Format renders one deal. The category may be nil.
func (f *Formatter) Format(p *deals.Product, c *deals.Category) (string, error) {
	if strings.TrimSpace(p.Title) == "" {
		return "", errors.New("deal has no title")
	}
	if !isSafeURL(p.URL) {
		return "", fmt.Errorf("deal %s has unusable link %q", p.ID, p.URL)
	}

	var b strings.Builder

	if p.DiscountPercent > 0 {
		b.WriteString(fmt.Sprintf("<b>-%.0f%%</b> ", p.DiscountPercent))
	}
	b.WriteString(fmt.Sprintf("<b>%s</b>\n\n", escapeHTML(strings.TrimSpace(p.Title))))

	price := formatPrice(p.Price.StringFixed(2), p.Currency)
	if p.OldPrice.GreaterThan(p.Price) {
		b.WriteString(fmt.Sprintf("<s>%s</s> → <b>%s</b>", formatPrice(p.OldPrice.StringFixed(2), p.Currency), price))
		b.WriteString(fmt.Sprintf(" (save %s)\n", formatPrice(p.PriceDrop().StringFixed(2), p.Currency)))
	} else {
		b.WriteString(fmt.Sprintf("<b>%s</b>\n", price))
	}
	if p.Rating > 0 {
		b.WriteString(fmt.Sprintf("Rating: %.1f/5\n", p.Rating))
	}

	b.WriteString(fmt.Sprintf("\n<a href=\"%s\">View deal</a>", escapeHTML(p.URL)))

	if tags := f.hashtags(c); len(tags) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(tags, " "))
	}

	return b.String(), nil
}

func (f *Formatter) hashtags(c *deals.Category) []string {
	var raw []string
	if c != nil {
		raw = append(raw, c.Hashtags...)
	}
	raw = append(raw, f.extraTags...)

	seen := make(map[string]bool, len(raw))
	tags := make([]string, 0, len(raw))
	for _, tag := range raw {
		tag = strings.Join(strings.Fields(strings.TrimPrefix(strings.TrimSpace(tag), "#")), "_")
		if tag == "" || seen[strings.ToLower(tag)] {
			continue
		}
		seen[strings.ToLower(tag)] = true
		tags = append(tags, "#"+escapeHTML(tag))
	}
	return tags
}

func formatPrice(amount, currency string) string {
	if sym, ok := currencySymbols[strings.ToUpper(currency)]; ok {
		return sym + amount
	}
	if currency == "" {
		return amount
	}
	return amount + " " + currency
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

// isSafeURL accepts only absolute http(s) links.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
