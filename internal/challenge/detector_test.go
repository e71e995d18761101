package challenge

import "testing"

func TestDetect_GenuinePage(t *testing.T) {
	html := `<html><head><title>One Piece - Chapter 1100</title></head>
<body><div class="reader"><img src="/pages/001.png"></div></body></html>`

	if got := Detect("One Piece - Chapter 1100", html); got != Genuine {
		t.Errorf("expected Genuine, got %v", got)
	}
}

func TestDetectVendor_ByTitle(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		vendor string
	}{
		{"cloudflare just a moment", "Just a moment...", "cloudflare"},
		{"cloudflare attention required", "Attention Required! | Cloudflare", "cloudflare"},
		{"cloudflare verifying", "Verifying you are human", "cloudflare"},
		{"access denied", "Access Denied", "anti-bot"},
		{"bot detection", "Bot Detection", "anti-bot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, vendor := DetectVendor(tt.title, "<html><body></body></html>")
			if cls != Challenge {
				t.Errorf("expected Challenge, got %v", cls)
			}
			if vendor != tt.vendor {
				t.Errorf("expected vendor %q, got %q", tt.vendor, vendor)
			}
		})
	}
}

func TestDetectVendor_ByMarkup(t *testing.T) {
	tests := []struct {
		name   string
		html   string
		vendor string
	}{
		{"cf challenge script", `<script>window._cf_chl_opt={}</script>`, "cloudflare"},
		{"turnstile widget", `<script src="https://challenges.cloudflare.com/turnstile/v0/api.js"></script>`, "cloudflare-turnstile"},
		{"hcaptcha", `<script src="https://hcaptcha.com/1/api.js"></script>`, "hcaptcha"},
		{"recaptcha", `<script src="https://www.google.com/recaptcha/api.js"></script>`, "recaptcha"},
		{"robot or human prompt", `<p>Please verify you are a robot or human.</p>`, "anti-bot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, vendor := DetectVendor("Some Site", tt.html)
			if cls != Challenge {
				t.Errorf("expected Challenge, got %v", cls)
			}
			if vendor != tt.vendor {
				t.Errorf("expected vendor %q, got %q", tt.vendor, vendor)
			}
		})
	}
}

func TestDetectVendor_LocalizedTitleStillDetected(t *testing.T) {
	// Localized interstitials keep the challenge container even when the
	// title gives nothing away.
	html := `<html><head><title>Ein Moment bitte</title></head>
<body><form id="challenge-form" action="/verify"></form></body></html>`

	cls, vendor := DetectVendor("Ein Moment bitte", html)
	if cls != Challenge {
		t.Fatalf("expected Challenge, got %v", cls)
	}
	if vendor != "anti-bot" {
		t.Errorf("expected vendor anti-bot, got %q", vendor)
	}
}

func TestDetectVendor_ContentMentioningCaptchaSelectorsIsSafe(t *testing.T) {
	// Plain prose about challenges must not classify; only markers and
	// containers count.
	html := `<html><head><title>Blog</title></head>
<body><article><p>How CDNs check for a prior clearance cookie.</p></article></body></html>`

	cls, _ := DetectVendor("Blog", html)
	if cls != Genuine {
		t.Errorf("expected Genuine, got %v", cls)
	}
}

func TestClassification_String(t *testing.T) {
	if Genuine.String() != "genuine" {
		t.Errorf("expected genuine, got %q", Genuine.String())
	}
	if Challenge.String() != "challenge" {
		t.Errorf("expected challenge, got %q", Challenge.String())
	}
}
