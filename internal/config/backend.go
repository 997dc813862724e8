package config

// ConfigBackend abstracts where persisted config lives. The server uses a
// JSON file; tests point it at a temp directory.
type ConfigBackend interface {
	// Lookup returns the stored value for key converted to typ's Go type.
	// ok is false when the key is not set.
	Lookup(key string, typ keyType) (val any, ok bool, err error)
	Store(key string, val any) error
	Delete(key string) error
}
