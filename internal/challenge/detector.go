// Package challenge implements bot-wall handling: classification of
// challenge interstitials, the bounded retry controller, manual escalation,
// and the optional remote solver client.
package challenge

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Classification is the outcome of inspecting a page.
type Classification int

const (
	// Genuine means the page looks like real content.
	Genuine Classification = iota
	// Challenge means the page is a bot-mitigation interstitial.
	Challenge
)

func (c Classification) String() string {
	if c == Challenge {
		return "challenge"
	}
	return "genuine"
}

// Known challenge container selectors. These appear in the interstitial
// markup even when the title is localized.
var challengeSelectors = []string{
	"#challenge-form",
	"#challenge-running",
	"#challenge-stage",
	"#cf-challenge-running",
	".cf-browser-verification",
	".cf-turnstile",
	".h-captcha",
	".g-recaptcha",
}

// Detect classifies a page from its title and markup. It is a pure function;
// the retry controller owns all resulting state changes.
func Detect(title, html string) Classification {
	cls, _ := DetectVendor(title, html)
	return cls
}

// DetectVendor classifies a page and names the wall it recognized
// (cloudflare, cloudflare-turnstile, hcaptcha, recaptcha, anti-bot). The
// vendor is empty for genuine pages; it exists for logs and error text only.
func DetectVendor(title, html string) (Classification, string) {
	titleLower := strings.ToLower(title)
	htmlLower := strings.ToLower(html)

	// Cloudflare challenges
	if strings.Contains(titleLower, "just a moment") ||
		strings.Contains(titleLower, "attention required") ||
		strings.Contains(titleLower, "verifying you are human") ||
		strings.Contains(htmlLower, "cf-challenge") ||
		strings.Contains(htmlLower, "cf_chl_opt") {
		return Challenge, "cloudflare"
	}

	// Cloudflare Turnstile
	if strings.Contains(htmlLower, "challenges.cloudflare.com/turnstile") ||
		strings.Contains(htmlLower, "cf-turnstile") {
		return Challenge, "cloudflare-turnstile"
	}

	// hCaptcha
	if strings.Contains(htmlLower, "hcaptcha.com") ||
		strings.Contains(htmlLower, "h-captcha") {
		return Challenge, "hcaptcha"
	}

	// reCAPTCHA
	if strings.Contains(htmlLower, "google.com/recaptcha") ||
		strings.Contains(htmlLower, "g-recaptcha") {
		return Challenge, "recaptcha"
	}

	// Generic bot detection pages
	if strings.Contains(titleLower, "access denied") ||
		strings.Contains(titleLower, "bot detection") ||
		strings.Contains(htmlLower, "robot or human") {
		return Challenge, "anti-bot"
	}

	// Substring checks miss walls whose text is localized; the challenge
	// containers are not.
	if hasChallengeContainer(html) {
		return Challenge, "anti-bot"
	}

	return Genuine, ""
}

// hasChallengeContainer parses the markup and looks for known challenge
// widget containers.
func hasChallengeContainer(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
