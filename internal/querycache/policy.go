package querycache

import "time"

// NetworkMode controls whether a query may fetch while offline
type NetworkMode int

const (
	// NetworkOnline pauses fetches while the client is offline
	NetworkOnline NetworkMode = iota
	// NetworkAlways fetches regardless of connectivity
	NetworkAlways
)

// Options tune one query's caching behaviour
type Options struct {
	StaleTime   time.Duration
	GCTime      time.Duration
	Retry       int
	RetryDelay  time.Duration
	NetworkMode NetworkMode
}

// QueryOption overrides a policy for a single Query call
type QueryOption func(*Options)

func WithStaleTime(d time.Duration) QueryOption {
	return func(o *Options) { o.StaleTime = d }
}

func WithGCTime(d time.Duration) QueryOption {
	return func(o *Options) { o.GCTime = d }
}

func WithRetry(n int, delay time.Duration) QueryOption {
	return func(o *Options) {
		o.Retry = n
		o.RetryDelay = delay
	}
}

func WithNetworkMode(mode NetworkMode) QueryOption {
	return func(o *Options) { o.NetworkMode = mode }
}

// SensitivePrefixes hold identity-derived data. They are never persisted and
// are dropped whenever the session epoch changes.
var SensitivePrefixes = []string{"session", "profile", "role", "auth"}

// IsSensitive reports whether key belongs to an identity-sensitive prefix
func IsSensitive(key Key) bool {
	p := key.Prefix()
	for _, s := range SensitivePrefixes {
		if p == s {
			return true
		}
	}
	return false
}

// Policies maps key prefixes to options
type Policies struct {
	Default  Options
	ByPrefix map[string]Options
}

// DefaultPolicies returns the per-domain volatility tuning
func DefaultPolicies() Policies {
	base := Options{
		StaleTime:   0,
		GCTime:      5 * time.Minute,
		Retry:       3,
		RetryDelay:  time.Second,
		NetworkMode: NetworkOnline,
	}
	with := func(stale, gc time.Duration) Options {
		o := base
		o.StaleTime = stale
		o.GCTime = gc
		return o
	}

	p := Policies{
		Default: base,
		ByPrefix: map[string]Options{
			"orders":                   with(30*time.Second, 10*time.Minute),
			"order":                    with(time.Minute, 30*time.Minute),
			"employees":                with(5*time.Minute, time.Hour),
			"departments":              with(10*time.Minute, 24*time.Hour),
			"notification-preferences": with(5*time.Minute, time.Hour),
			"company-settings":         with(10*time.Minute, 24*time.Hour),
		},
	}
	for _, s := range SensitivePrefixes {
		o := with(0, 0)
		o.Retry = 1
		p.ByPrefix[s] = o
	}
	return p
}

// For resolves the options for key. Sensitive prefixes always keep a zero
// gcTime whatever the configured policy says.
func (p Policies) For(key Key, overrides ...QueryOption) Options {
	o, ok := p.ByPrefix[key.Prefix()]
	if !ok {
		o = p.Default
	}
	for _, fn := range overrides {
		fn(&o)
	}
	if IsSensitive(key) {
		o.GCTime = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}
