package config

// AliasEntry describes one locally-configured service node identity: the
// address it gossips, the collateral outpoint it claims ownership of, and
// where its signing key lives on disk.
type AliasEntry struct {
	ListenAddr   string `toml:"ListenAddr"`
	Collateral   string `toml:"Collateral"` // "<txid-hex>:<vout>"
	KeystorePath string `toml:"KeystorePath"`
}
