package environment

import (
	"testing"
	"time"
)

const (
	uaIPhoneSafari  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	uaIPhoneChrome  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/123.0.6312.52 Mobile/15E148 Safari/604.1"
	uaIPadDesktop   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"
	uaAndroidChrome = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36"
	uaDesktopChrome = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	uaDesktopEdge   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0"
	uaFirefox       = "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0"
)

func boolPtr(b bool) *bool { return &b }

func TestDetect_Platforms(t *testing.T) {
	tests := []struct {
		name       string
		signals    Signals
		platform   Platform
		browser    Browser
		tier       Tier
		continuous bool
	}{
		{"iOS Safari tab", Signals{UserAgent: uaIPhoneSafari}, PlatformIOS, BrowserSafari, TierBrowser, false},
		{"iOS PWA", Signals{UserAgent: uaIPhoneSafari, NavigatorStandalone: boolPtr(true)}, PlatformIOS, BrowserSafari, TierIOSPWA, false},
		{"iOS Chrome tab", Signals{UserAgent: uaIPhoneChrome}, PlatformIOS, BrowserChrome, TierBrowser, true},
		{"iPadOS desktop UA", Signals{UserAgent: uaIPadDesktop, MaxTouchPoints: 5}, PlatformIOS, BrowserSafari, TierBrowser, false},
		{"macOS Safari", Signals{UserAgent: uaIPadDesktop}, PlatformDesktop, BrowserSafari, TierBrowser, true},
		{"Android Chrome", Signals{UserAgent: uaAndroidChrome}, PlatformAndroid, BrowserChrome, TierBrowser, true},
		{"Android PWA", Signals{UserAgent: uaAndroidChrome, DisplayModeStandalone: true}, PlatformAndroid, BrowserChrome, TierPWA, true},
		{"desktop Chrome", Signals{UserAgent: uaDesktopChrome}, PlatformDesktop, BrowserChrome, TierBrowser, true},
		{"desktop Edge", Signals{UserAgent: uaDesktopEdge}, PlatformDesktop, BrowserEdge, TierBrowser, true},
		{"Firefox", Signals{UserAgent: uaFirefox}, PlatformDesktop, BrowserFirefox, TierBrowser, true},
		{"empty signals", Signals{}, PlatformDesktop, BrowserOther, TierBrowser, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Detect(tt.signals)
			if p.Platform != tt.platform {
				t.Errorf("Expected platform %s, got %s", tt.platform, p.Platform)
			}
			if p.Browser != tt.browser {
				t.Errorf("Expected browser %s, got %s", tt.browser, p.Browser)
			}
			if p.Tier() != tt.tier {
				t.Errorf("Expected tier %s, got %s", tt.tier, p.Tier())
			}
			if p.Config.Continuous != tt.continuous {
				t.Errorf("Expected continuous=%v, got %v", tt.continuous, p.Config.Continuous)
			}
			if p.IsIOSPWA != (p.IsIOS && p.IsPWA) {
				t.Error("Expected IsIOSPWA == IsIOS && IsPWA")
			}
		})
	}
}

func TestDetect_NavigatorStandaloneFalse(t *testing.T) {
	p := Detect(Signals{UserAgent: uaIPhoneSafari, NavigatorStandalone: boolPtr(false)})
	if p.IsPWA {
		t.Error("Expected explicit standalone=false not to count as PWA")
	}
}

func TestDeriveConfig_SessionDuration(t *testing.T) {
	iosPWA := Detect(Signals{UserAgent: uaIPhoneSafari, DisplayModeStandalone: true})
	if iosPWA.Config.MaxSessionDuration != 10*time.Second {
		t.Errorf("Expected iOS PWA max session 10s, got %v", iosPWA.Config.MaxSessionDuration)
	}

	for _, ua := range []string{uaIPhoneSafari, uaAndroidChrome, uaDesktopChrome} {
		p := Detect(Signals{UserAgent: ua})
		if p.Config.MaxSessionDuration != 30*time.Second {
			t.Errorf("Expected max session 30s for %s, got %v", p.Platform, p.Config.MaxSessionDuration)
		}
	}
}

func TestDeriveConfig_RestartDelayOrdering(t *testing.T) {
	iosPWA := Detect(Signals{UserAgent: uaIPhoneSafari, DisplayModeStandalone: true}).Config
	iosTab := Detect(Signals{UserAgent: uaIPhoneSafari}).Config
	androidPWA := Detect(Signals{UserAgent: uaAndroidChrome, DisplayModeStandalone: true}).Config
	androidTab := Detect(Signals{UserAgent: uaAndroidChrome}).Config
	desktopPWA := Detect(Signals{UserAgent: uaDesktopChrome, DisplayModeStandalone: true}).Config
	desktop := Detect(Signals{UserAgent: uaDesktopChrome}).Config

	if !(iosPWA.RestartDelay > iosTab.RestartDelay) {
		t.Errorf("Expected iOS PWA delay %v > iOS tab delay %v", iosPWA.RestartDelay, iosTab.RestartDelay)
	}
	if !(iosTab.RestartDelay > androidPWA.RestartDelay) {
		t.Errorf("Expected iOS tab delay %v > Android PWA delay %v", iosTab.RestartDelay, androidPWA.RestartDelay)
	}
	if androidTab.RestartDelay != androidPWA.RestartDelay || desktopPWA.RestartDelay != androidPWA.RestartDelay {
		t.Error("Expected Android and other PWAs to share a restart delay")
	}
	if !(androidPWA.RestartDelay > desktop.RestartDelay) {
		t.Errorf("Expected Android/PWA delay %v > desktop delay %v", androidPWA.RestartDelay, desktop.RestartDelay)
	}
}

func TestDeriveConfig_RetryBudget(t *testing.T) {
	iosPWA := Detect(Signals{UserAgent: uaIPhoneSafari, DisplayModeStandalone: true}).Config
	desktop := Detect(Signals{UserAgent: uaDesktopChrome}).Config
	android := Detect(Signals{UserAgent: uaAndroidChrome}).Config

	if iosPWA.MaxRetries != 5 {
		t.Errorf("Expected iOS PWA MaxRetries 5, got %d", iosPWA.MaxRetries)
	}
	for _, cfg := range []RecognitionConfig{desktop, android} {
		if cfg.MaxRetries < 2 || cfg.MaxRetries > 3 {
			t.Errorf("Expected standard MaxRetries in [2,3], got %d", cfg.MaxRetries)
		}
		if cfg.MaxRetries >= iosPWA.MaxRetries {
			t.Error("Expected iOS PWA to have the largest retry budget")
		}
	}
	if !iosPWA.ReleaseAudioOnStop || desktop.ReleaseAudioOnStop {
		t.Error("Expected only iOS to release audio on stop")
	}
	if iosPWA.AutoStopAfter >= desktop.AutoStopAfter {
		t.Error("Expected a shorter auto-stop ceiling on iOS PWA")
	}
}

func TestUserAgentDetector(t *testing.T) {
	var d Detector = UserAgentDetector{Signals: Signals{UserAgent: uaDesktopChrome}}
	if d.Detect().Platform != PlatformDesktop {
		t.Error("Expected UserAgentDetector to delegate to Detect")
	}
}
