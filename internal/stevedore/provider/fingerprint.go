package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint derives a stable identifier for a backend configuration.
// Same config, same fingerprint; any change (different docker context, state
// dir, network) produces a different one, which disables destroyed-host
// inference for that refresh.
func Fingerprint(cfg any) string {
	// Marshal errors only happen for unserializable config types, which
	// would be a programming error; an empty fingerprint never matches a
	// stored one, so inference is safely disabled in that case.
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
