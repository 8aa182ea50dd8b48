package config

import (
	"fmt"
	"strings"

	"bloombridge/crypto"
	"bloombridge/htlc"
)

// Validate rejects configurations that would run the bridge in an unsafe
// state. Everything validated here fails closed at startup rather than at
// the first request.
func (c *Config) Validate() error {
	if _, err := htlc.NetworkParams(c.Network); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.QuoteTTLSeconds < 3600 {
		return fmt.Errorf("config: QuoteTTLSeconds below one hour leaves no claim window")
	}
	if c.BroadcastTimeoutSeconds == 0 {
		return fmt.Errorf("config: BroadcastTimeoutSeconds must be positive")
	}
	if c.FeeSats <= 0 {
		return fmt.Errorf("config: FeeSats must be positive")
	}
	if c.MinRedeemBloom <= 0 {
		return fmt.Errorf("config: MinRedeemBloom must be positive")
	}
	if c.MaxRedeemBloom > 0 && c.MaxRedeemBloom < c.MinRedeemBloom {
		return fmt.Errorf("config: MaxRedeemBloom below MinRedeemBloom")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.WindowSeconds == 0 {
		return fmt.Errorf("config: rate limit must be positive")
	}
	if c.Reserve.MaxAgeSeconds == 0 {
		return fmt.Errorf("config: Reserve.MaxAgeSeconds must be positive")
	}
	if c.Reserve.AlertBps <= 0 || c.Reserve.AlertBps > 10000 {
		return fmt.Errorf("config: Reserve.AlertBps must be within (0, 10000]")
	}
	if strings.TrimSpace(c.Reserve.AttesterAddress) != "" {
		if _, err := c.AttesterAddress(); err != nil {
			return err
		}
	}
	return nil
}

// AttesterAddress parses the configured attester into the 20-byte account
// form the reserve gate verifies against. An empty configuration yields the
// zero address, which keeps the gate failing closed.
func (c *Config) AttesterAddress() ([20]byte, error) {
	var attester [20]byte
	trimmed := strings.TrimSpace(c.Reserve.AttesterAddress)
	if trimmed == "" {
		return attester, nil
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return attester, fmt.Errorf("config: invalid Reserve.AttesterAddress: %w", err)
	}
	copy(attester[:], decoded.Bytes())
	return attester, nil
}
