// Package session turns an assembled profile and a generated fingerprint
// into a launchable browser session. The Context builder is a pure
// transformation; all browser-engine side effects live behind the Engine
// interface.
package session

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/stagecrew/roster/internal/fingerprint"
	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/profile"
)

// ProxyConfig is the egress configuration handed to the browser engine.
type ProxyConfig struct {
	Server   string `json:"server"` // scheme://host:port
	Username string `json:"username"`
	Password string `json:"password"`
}

// Context is everything a browser engine needs to open one session. It is
// plain data: building one touches no pools and launches nothing.
type Context struct {
	ID          string                  `json:"id"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Proxy       *ProxyConfig            `json:"proxy"` // nil = direct connection
	InitScripts []string                `json:"init_scripts"`
	Headless    bool                    `json:"headless"`
}

// Options tunes context construction.
type Options struct {
	Headless bool
	// Class picks the fingerprint device class. Empty means desktop.
	Class fingerprint.DeviceClass
}

// Builder constructs session contexts from profiles.
type Builder struct {
	fp *fingerprint.Generator
}

// NewBuilder creates a builder over the given fingerprint generator.
func NewBuilder(fp *fingerprint.Generator) *Builder {
	return &Builder{fp: fp}
}

// Build creates a session context for the profile. The proxy configuration
// comes from the profile's proxy when present; the init script list is fixed
// and ordered, since later scripts read state the earlier ones establish.
func (b *Builder) Build(p *profile.Profile, opts Options) Context {
	fp := b.fp.Generate(opts.Class)
	return Context{
		ID:          uuid.New().String(),
		Fingerprint: fp,
		Proxy:       proxyConfig(p.Proxy),
		InitScripts: InitScripts(fp),
		Headless:    opts.Headless,
	}
}

func proxyConfig(p *model.Proxy) *ProxyConfig {
	if p == nil {
		return nil
	}
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	return &ProxyConfig{
		Server:   fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port),
		Username: p.Username,
		Password: p.Password,
	}
}

// InitScripts returns the ordered anti-detection scripts for a fingerprint.
// Order matters: the webdriver scrub runs first so the later overrides are
// installed on an already-clean navigator.
func InitScripts(fp fingerprint.Fingerprint) []string {
	return []string{
		scrubWebdriver,
		chromeRuntime,
		pluginsAndLanguages(fp.Locale),
		permissionsPatch,
		hardwareOverrides(fp),
	}
}

const scrubWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
delete Object.getPrototypeOf(navigator).webdriver;`

const chromeRuntime = `if (!window.chrome) { window.chrome = {}; }
if (!window.chrome.runtime) { window.chrome.runtime = {}; }`

const permissionsPatch = `const origQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
window.navigator.permissions.query = (parameters) => (
  parameters.name === 'notifications'
    ? Promise.resolve({ state: Notification.permission })
    : origQuery(parameters)
);`

func pluginsAndLanguages(locale string) string {
	return fmt.Sprintf(`Object.defineProperty(navigator, 'languages', {get: () => [%q, 'en']});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});`, locale)
}

func hardwareOverrides(fp fingerprint.Fingerprint) string {
	return fmt.Sprintf(`Object.defineProperty(navigator, 'hardwareConcurrency', {get: () => %d});
Object.defineProperty(navigator, 'deviceMemory', {get: () => %d});
Object.defineProperty(navigator, 'platform', {get: () => %q});`,
		fp.HardwareThreads, fp.DeviceMemoryGB, fp.PlatformOverride)
}
