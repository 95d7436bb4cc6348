// Package environment detects the client platform and derives the
// recognition configuration every other component reads.
//
// Detection is isolated behind [Detector] so that user-agent sniffing can
// be replaced by feature probing without touching recovery logic. A
// [Profile] is immutable once built and must be computed per connection:
// the display mode of a tab can change between page loads.
package environment

import (
	"regexp"
	"strings"
	"time"
)

// Platform is the operating system family of the client
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
)

// Browser is the browser family of the client
type Browser string

const (
	BrowserSafari  Browser = "safari"
	BrowserChrome  Browser = "chrome"
	BrowserFirefox Browser = "firefox"
	BrowserEdge    Browser = "edge"
	BrowserSamsung Browser = "samsung"
	BrowserOther   Browser = "other"
)

// Tier groups platforms that share a recovery policy
type Tier string

const (
	TierIOSPWA  Tier = "ios-pwa"
	TierPWA     Tier = "pwa"
	TierBrowser Tier = "browser"
)

// RecognitionConfig is the timing and engine configuration derived from a profile
type RecognitionConfig struct {
	Continuous      bool `json:"continuous"`
	InterimResults  bool `json:"interimResults"`
	MaxAlternatives int  `json:"maxAlternatives"`

	RestartDelay       time.Duration `json:"restartDelay"`
	MaxSessionDuration time.Duration `json:"maxSessionDuration"`
	MaxRetries         int           `json:"maxRetries"`
	BaseRetryDelay     time.Duration `json:"baseRetryDelay"`

	KeepAliveInterval time.Duration `json:"keepAliveInterval"` // how often the stall check runs
	StallThreshold    time.Duration `json:"stallThreshold"`    // silence from the engine before a forced restart
	NoResultTimeout   time.Duration `json:"noResultTimeout"`   // engine session with zero results before a forced restart
	DiagnosticTimeout time.Duration `json:"diagnosticTimeout"` // recording with zero results before continuous mode is flipped
	AutoStopAfter     time.Duration `json:"autoStopAfter"`     // hard ceiling on one recording

	ReleaseAudioOnStop bool `json:"releaseAudioOnStop"`
}

// Profile describes the client environment
type Profile struct {
	Platform  Platform `json:"platform"`
	Browser   Browser  `json:"browser"`
	IsIOS     bool     `json:"isIOS"`
	IsAndroid bool     `json:"isAndroid"`
	IsPWA     bool     `json:"isPWA"`
	IsIOSPWA  bool     `json:"isIOSPWA"`
	IsSafari  bool     `json:"isSafari"`

	Config RecognitionConfig `json:"config"`
}

// Tier returns the recovery tier of the profile
func (p Profile) Tier() Tier {
	switch {
	case p.IsIOSPWA:
		return TierIOSPWA
	case p.IsPWA:
		return TierPWA
	default:
		return TierBrowser
	}
}

// Detector produces a Profile for the current client
type Detector interface {
	Detect() Profile
}

// Signals are the raw capability readings reported by the client.
// NavigatorStandalone is nil when the navigator.standalone API is absent.
type Signals struct {
	UserAgent             string `json:"userAgent"`
	NavigatorStandalone   *bool  `json:"navigatorStandalone,omitempty"`
	DisplayModeStandalone bool   `json:"displayModeStandalone"`
	MaxTouchPoints        int    `json:"maxTouchPoints"`
}

// UserAgentDetector detects the environment by user-agent matching plus the
// standalone display-mode signals.
type UserAgentDetector struct {
	Signals Signals
}

var (
	iosPattern     = regexp.MustCompile(`(?i)ipad|iphone|ipod`)
	androidPattern = regexp.MustCompile(`(?i)android`)
	macPattern     = regexp.MustCompile(`(?i)macintosh`)
)

// Detect implements Detector
func (d UserAgentDetector) Detect() Profile {
	return Detect(d.Signals)
}

// Detect builds a profile from raw signals. It has no side effects.
func Detect(s Signals) Profile {
	ua := s.UserAgent

	// iPadOS 13+ reports a desktop Safari user agent; touch support gives it away.
	isIOS := iosPattern.MatchString(ua) || (macPattern.MatchString(ua) && s.MaxTouchPoints > 1)
	isAndroid := !isIOS && androidPattern.MatchString(ua)
	isPWA := s.DisplayModeStandalone || (s.NavigatorStandalone != nil && *s.NavigatorStandalone)

	browser := detectBrowser(ua)
	isSafari := browser == BrowserSafari

	p := Profile{
		Platform:  PlatformDesktop,
		Browser:   browser,
		IsIOS:     isIOS,
		IsAndroid: isAndroid,
		IsPWA:     isPWA,
		IsIOSPWA:  isIOS && isPWA,
		IsSafari:  isSafari,
	}
	switch {
	case isIOS:
		p.Platform = PlatformIOS
	case isAndroid:
		p.Platform = PlatformAndroid
	}
	p.Config = deriveConfig(p)
	return p
}

func detectBrowser(ua string) Browser {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "samsungbrowser"):
		return BrowserSamsung
	case strings.Contains(lower, "edg/") || strings.Contains(lower, "edga/") || strings.Contains(lower, "edgios/"):
		return BrowserEdge
	case strings.Contains(lower, "firefox") || strings.Contains(lower, "fxios"):
		return BrowserFirefox
	case strings.Contains(lower, "chrome") || strings.Contains(lower, "crios") || strings.Contains(lower, "chromium"):
		return BrowserChrome
	case strings.Contains(lower, "safari") && !strings.Contains(lower, "android"):
		return BrowserSafari
	default:
		return BrowserOther
	}
}

func deriveConfig(p Profile) RecognitionConfig {
	cfg := RecognitionConfig{
		Continuous:         !(p.IsIOSPWA || (p.IsIOS && p.IsSafari)),
		InterimResults:     true,
		MaxAlternatives:    1,
		MaxSessionDuration: 30 * time.Second,
		KeepAliveInterval:  3 * time.Second,
		StallThreshold:     8 * time.Second,
		NoResultTimeout:    8 * time.Second,
		DiagnosticTimeout:  15 * time.Second,
		AutoStopAfter:      30 * time.Second,
		ReleaseAudioOnStop: p.IsIOS,
	}

	switch {
	case p.IsIOSPWA:
		cfg.RestartDelay = 1000 * time.Millisecond
		cfg.MaxSessionDuration = 10 * time.Second
		cfg.MaxRetries = 5
		cfg.BaseRetryDelay = 2000 * time.Millisecond
		cfg.AutoStopAfter = 20 * time.Second
	case p.IsIOS:
		cfg.RestartDelay = 500 * time.Millisecond
		cfg.MaxRetries = 3
		cfg.BaseRetryDelay = 1000 * time.Millisecond
	case p.IsAndroid || p.IsPWA:
		cfg.RestartDelay = 300 * time.Millisecond
		cfg.MaxRetries = 3
		cfg.BaseRetryDelay = 500 * time.Millisecond
	default:
		cfg.RestartDelay = 100 * time.Millisecond
		cfg.MaxRetries = 2
		cfg.BaseRetryDelay = 300 * time.Millisecond
	}

	return cfg
}
