package reveal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"veil/internal/identity"
	"veil/internal/identity/vault"
)

// DataResolver produces the plaintext for one revealed data type. The engine
// seals whatever the resolver returns before persisting it on the case.
type DataResolver interface {
	Resolve(ctx context.Context, subject identity.AnonymousIdentity, spec DataTypeSpec) ([]byte, error)
}

// identityResolver derives reveal payloads from the identity's attribute
// layers. Everything it emits is the minimum needed for the data type; the
// secured layer is only touched for full_identity.
type identityResolver struct {
	sealer *vault.Sealer
}

// NewIdentityResolver builds the default resolver. The sealer must be the one
// that sealed the identities' secured layers.
func NewIdentityResolver(sealer *vault.Sealer) DataResolver {
	return &identityResolver{sealer: sealer}
}

type payloadEnvelope struct {
	DataType   string          `json:"dataType"`
	Codename   string          `json:"codename"`
	ResolvedAt time.Time       `json:"resolvedAt"`
	Value      json.RawMessage `json:"value"`
}

func (r *identityResolver) Resolve(_ context.Context, subject identity.AnonymousIdentity, spec DataTypeSpec) ([]byte, error) {
	var value any
	switch spec.DataType {
	case "location", "address", "access_locations":
		value = map[string]string{
			"geographicMask": subject.Controls.GeographicMask,
			"region":         subject.Public.GeographicMask,
		}
	case "device_fingerprint":
		// Already anonymized at registration, safe to pass through.
		value = map[string]string{"fingerprint": subject.Secured.DeviceFingerprint}
	case "full_identity":
		opened, err := r.sealer.Open(subject.Secured.IdentitySealed)
		if err != nil {
			return nil, fmt.Errorf("open secured identity: %w", err)
		}
		value = map[string]string{"identityRef": string(opened)}
		vault.Wipe(opened)
	default:
		// Attribute types carried in the encrypted layer: medical conditions,
		// emergency contacts, contact channels, account metadata.
		value = map[string]any{
			"attribute": spec.DataType,
			"sealed":    subject.Encrypted.Payload,
		}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal %s value: %w", spec.DataType, err)
	}
	envelope, err := json.Marshal(payloadEnvelope{
		DataType:   spec.DataType,
		Codename:   subject.Codename,
		ResolvedAt: time.Now().UTC(),
		Value:      raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", spec.DataType, err)
	}
	return envelope, nil
}
