package identity

import (
	"time"

	id "veil/pkg/domain"
)

// TierConfig is one row of the tier configuration table, fixed at deployment.
type TierConfig struct {
	MaxLevel            id.AnonymityLevel
	AutoDegrade         bool
	RevealTriggers      []string
	TTL                 time.Duration
	GeographicMask      string
	EncryptionScheme    string
	KeyRotationInterval time.Duration
	IntermediaryLayers  int
	PaymentChannels     []string
	ExtendedLayer       bool
}

// DefaultTierTable is the deployment configuration: one row per tier. The
// table is the single place tier capabilities are defined; the service never
// special-cases tiers elsewhere.
func DefaultTierTable() map[id.Tier]TierConfig {
	return map[id.Tier]TierConfig{
		id.TierSterling: {
			MaxLevel:            id.LevelEnhanced,
			AutoDegrade:         true,
			RevealTriggers:      []string{"emergency_activation", "medical_emergency"},
			TTL:                 180 * 24 * time.Hour,
			GeographicMask:      "country",
			EncryptionScheme:    "xchacha20poly1305",
			KeyRotationInterval: 30 * 24 * time.Hour,
			IntermediaryLayers:  1,
			PaymentChannels:     []string{"escrow"},
		},
		id.TierObsidian: {
			MaxLevel:            id.LevelMaximum,
			AutoDegrade:         true,
			RevealTriggers:      []string{"emergency_activation", "medical_emergency", "legal_order"},
			TTL:                 365 * 24 * time.Hour,
			GeographicMask:      "continent",
			EncryptionScheme:    "xchacha20poly1305",
			KeyRotationInterval: 14 * 24 * time.Hour,
			IntermediaryLayers:  2,
			PaymentChannels:     []string{"escrow", "proxy_account"},
		},
		id.TierSovereign: {
			MaxLevel:            id.LevelAbsolute,
			AutoDegrade:         false,
			RevealTriggers:      []string{"emergency_activation", "medical_emergency", "legal_order", "security_threat", "security_breach"},
			TTL:                 2 * 365 * 24 * time.Hour,
			GeographicMask:      "none",
			EncryptionScheme:    "xchacha20poly1305",
			KeyRotationInterval: 7 * 24 * time.Hour,
			IntermediaryLayers:  3,
			PaymentChannels:     []string{"escrow", "proxy_account", "bearer_instrument"},
			ExtendedLayer:       true,
		},
	}
}
