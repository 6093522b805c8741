package identity

import (
	"time"

	id "veil/pkg/domain"
)

// AnonymousIdentity is the primary record tracked by the identity store. The
// four attribute layers have separate ownership: public is freely shared,
// encrypted is platform-decryptable, secured holds the real identity under
// multi-pass encryption, extended exists only for the top tier.
//
// Invariant: the real identity is never stored in a directly reversible form,
// and Controls.Level never exceeds the tier's configured maximum.
type AnonymousIdentity struct {
	AnonymousID id.AnonymousID
	Tier        id.Tier
	Codename    string

	Public    PublicLayer
	Encrypted EncryptedLayer
	Secured   SecuredLayer
	Extended  *ExtendedLayer // non-nil only when Tier allows it

	Controls    AnonymityControls
	Interaction InteractionParams

	CreatedAt       time.Time
	LastKeyRotation time.Time
}

// PublicLayer is the only slice of an identity visible to service-interaction
// collaborators.
type PublicLayer struct {
	Codename          string
	Tier              id.Tier
	GeographicMask    string
	ServiceCategories []string
}

// EncryptedLayer holds behavior, history, and preferences sealed under a
// platform-decryptable key.
type EncryptedLayer struct {
	Payload []byte
}

// SecuredLayer holds the triple-wrapped real identity reference, the one-way
// biometric digest plus its salt, and the anonymized device signature.
type SecuredLayer struct {
	IdentitySealed    []byte
	BiometricHash     []byte
	BiometricSalt     []byte
	DeviceFingerprint string
}

// ExtendedLayer carries top-tier-only attributes, sealed like the encrypted
// layer.
type ExtendedLayer struct {
	Payload []byte
}

// AnonymityControls is the live anonymity posture of one identity.
type AnonymityControls struct {
	Level          id.AnonymityLevel
	AutoDegrade    bool
	RevealTriggers []string // allowed trigger tokens for emergency activation
	TTL            time.Duration
	ExpiresAt      time.Time
	GeographicMask string
}

// InteractionParams configures how service interactions are anonymized for
// this identity's tier.
type InteractionParams struct {
	EncryptionScheme    string
	KeyRotationInterval time.Duration
	IntermediaryLayers  int
	PaymentChannels     []string
}

// PublicView is what Describe returns: the public layer and nothing else.
type PublicView struct {
	AnonymousID       id.AnonymousID
	Codename          string
	Tier              id.Tier
	GeographicMask    string
	Level             id.AnonymityLevel
	ServiceCategories []string
}

// View projects the public layer.
func (a AnonymousIdentity) View() PublicView {
	return PublicView{
		AnonymousID:       a.AnonymousID,
		Codename:          a.Public.Codename,
		Tier:              a.Public.Tier,
		GeographicMask:    a.Public.GeographicMask,
		Level:             a.Controls.Level,
		ServiceCategories: a.Public.ServiceCategories,
	}
}
