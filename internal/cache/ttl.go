package cache

import "time"

// TTL defaults for provider data.
// These are added to the store clock when an entry is written to calculate its expiry.
const (
	// Expiration dates only change when a new series is listed
	TTLExpirations = 12 * time.Hour // 12 hours - listed expirations per underlying

	// Quote data (changes constantly during the session)
	TTLChain = 5 * time.Minute  // 5 minutes - option chain with greeks
	TTLQuote = 30 * time.Second // 30 seconds - underlying last price
)
