package domain

// LocalStorage is the durable string-keyed storage used to persist cache
// and queue snapshots across restarts.
type LocalStorage interface {
	// Get returns the stored bytes and whether the key exists
	Get(key string) ([]byte, bool, error)

	// Set stores the value under key, replacing any previous value
	Set(key string, value []byte) error

	// Remove deletes key; removing a missing key is not an error
	Remove(key string) error

	// Close releases the underlying file
	Close() error
}

// Connectivity reports whether the network path to the remote store is up.
type Connectivity interface {
	Online() bool

	// Watch registers fn for online/offline transitions.
	// The returned function removes the registration.
	Watch(fn func(online bool)) (cancel func())
}
