package session

// Engine is the narrow boundary to a browser automation backend. Everything
// above this interface works with plain Context values and can be tested
// without a browser.
type Engine interface {
	// Start boots the backend. Must be called before Open.
	Start() error
	// Open launches a browser session configured by the context.
	Open(ctx Context) (Handle, error)
	// Stop shuts the backend down, closing any sessions it still owns.
	Stop() error
}

// Handle is one live browser session.
type Handle interface {
	// Navigate loads the URL in the session's page.
	Navigate(url string) error
	// URL returns the page's current URL.
	URL() string
	// Close tears the session down.
	Close() error
}
