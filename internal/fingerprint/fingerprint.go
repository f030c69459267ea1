// Package fingerprint generates randomized browser identities from curated
// pools of real-world values.
package fingerprint

import (
	"math/rand/v2"
	"sync"
)

// DeviceClass selects which curated pools a fingerprint draws from.
type DeviceClass string

const (
	Desktop DeviceClass = "desktop"
	Mobile  DeviceClass = "mobile"
)

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Fingerprint is one randomized browser identity. All values come from
// curated pools of combinations observed in real traffic; no field is
// synthesized, so a generated identity never contains an impossible pairing.
type Fingerprint struct {
	UserAgent        string      `json:"user_agent"`
	Viewport         Viewport    `json:"viewport"`
	Locale           string      `json:"locale"`
	Timezone         string      `json:"timezone"`
	DeviceScale      float64     `json:"device_scale"`
	IsMobile         bool        `json:"is_mobile"`
	HasTouch         bool        `json:"has_touch"`
	Class            DeviceClass `json:"class"`
	HardwareThreads  int         `json:"hardware_threads"`
	DeviceMemoryGB   int         `json:"device_memory_gb"`
	ColorDepth       int         `json:"color_depth"`
	PlatformOverride string      `json:"platform_override"`
}

type pools struct {
	userAgents []uaEntry
	viewports  []Viewport
	scales     []float64
	threads    []int
	memories   []int
}

// uaEntry pairs a user agent with the platform string the page must see.
type uaEntry struct {
	ua       string
	platform string
}

var desktopPools = pools{
	userAgents: []uaEntry{
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36", "Win32"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36", "Win32"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0", "Win32"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36", "MacIntel"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15", "MacIntel"},
		{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36", "Linux x86_64"},
	},
	viewports: []Viewport{
		{1920, 1080}, {1366, 768}, {1536, 864}, {1440, 900}, {1280, 720}, {2560, 1440},
	},
	scales:   []float64{1.0, 1.25, 1.5, 2.0},
	threads:  []int{4, 8, 12, 16},
	memories: []int{4, 8, 16, 32},
}

var mobilePools = pools{
	userAgents: []uaEntry{
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1", "iPhone"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1", "iPhone"},
		{"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36", "Linux armv8l"},
		{"Mozilla/5.0 (Linux; Android 13; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Mobile Safari/537.36", "Linux armv8l"},
	},
	viewports: []Viewport{
		{390, 844}, {393, 852}, {412, 915}, {360, 800}, {428, 926},
	},
	scales:   []float64{2.0, 2.625, 3.0},
	threads:  []int{4, 6, 8},
	memories: []int{4, 6, 8},
}

// locales pairs a BCP 47 locale tag with plausible IANA timezones for it.
var locales = []struct {
	tag       string
	timezones []string
}{
	{"en-US", []string{"America/New_York", "America/Chicago", "America/Denver", "America/Los_Angeles"}},
	{"en-GB", []string{"Europe/London"}},
	{"de-DE", []string{"Europe/Berlin"}},
	{"fr-FR", []string{"Europe/Paris"}},
	{"es-ES", []string{"Europe/Madrid"}},
	{"pt-BR", []string{"America/Sao_Paulo"}},
	{"en-CA", []string{"America/Toronto", "America/Vancouver"}},
	{"en-AU", []string{"Australia/Sydney", "Australia/Melbourne"}},
	{"nl-NL", []string{"Europe/Amsterdam"}},
	{"pl-PL", []string{"Europe/Warsaw"}},
}

// Generator draws fingerprints from the curated pools. Safe for concurrent
// use: sessions building in parallel share one generator. The zero value is
// not usable; construct with New.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a generator with its own PRNG stream.
func New() *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded creates a deterministic generator for reproducible sessions.
func NewSeeded(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed))}
}

// Generate draws one fingerprint for the given device class. Unknown classes
// fall back to desktop.
func (g *Generator) Generate(class DeviceClass) Fingerprint {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := desktopPools
	mobile := false
	if class == Mobile {
		p = mobilePools
		mobile = true
	} else {
		class = Desktop
	}

	ua := p.userAgents[g.rng.IntN(len(p.userAgents))]
	loc := locales[g.rng.IntN(len(locales))]

	return Fingerprint{
		UserAgent:        ua.ua,
		Viewport:         p.viewports[g.rng.IntN(len(p.viewports))],
		Locale:           loc.tag,
		Timezone:         loc.timezones[g.rng.IntN(len(loc.timezones))],
		DeviceScale:      p.scales[g.rng.IntN(len(p.scales))],
		IsMobile:         mobile,
		HasTouch:         mobile,
		Class:            class,
		HardwareThreads:  p.threads[g.rng.IntN(len(p.threads))],
		DeviceMemoryGB:   p.memories[g.rng.IntN(len(p.memories))],
		ColorDepth:       24,
		PlatformOverride: ua.platform,
	}
}
