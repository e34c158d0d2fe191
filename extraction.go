package main

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const tokenFieldName = "__RequestVerificationToken"

var (
	productIDPattern = regexp.MustCompile(`name="addtocart_(\d+)\.EnteredQuantity"`)

	// Tolerates "Order number:", "Order #", "Order ID" and markup between
	// the label and the digits.
	orderIDPattern = regexp.MustCompile(`(?i)Order\s*(?:Number|ID|#)?:?\s*(?:<[^>]*>)*\s*(\d+)`)
)

// ExtractToken returns the value of the anti-forgery hidden input, or ""
// when the page has none or cannot be parsed.
func ExtractToken(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}

	return doc.Find(`input[name="` + tokenFieldName + `"]`).First().AttrOr("value", "")
}

// ExtractProductLink returns the href of the first product title link on a
// search results page.
func ExtractProductLink(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}

	href, _ := doc.Find(".product-title a").First().Attr("href")
	return strings.TrimSpace(href)
}

// ExtractProductID reads the numeric id out of the add-to-cart quantity
// field name on a product details page.
func ExtractProductID(body string) string {
	if m := productIDPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

func ExtractOrderID(body string) string {
	if m := orderIDPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
