package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"veil/internal/audit"
	"veil/internal/identity/vault"
	"veil/internal/platform/metrics"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
	"veil/pkg/platform/sentinel"
	pkgstrings "veil/pkg/platform/strings"
)

// AuditPublisher emits audit events for identity lifecycle actions.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service owns anonymous identity records and their tier-derived anonymity
// configuration. Mutations are serialized per identity.
type Service struct {
	store     Store
	sealer    *vault.Sealer
	tierTable map[id.Tier]TierConfig
	generator id.Generator
	auditor   AuditPublisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// identityLocks serializes SetLevel per identity.
	mu            sync.Mutex
	identityLocks map[id.AnonymousID]*sync.Mutex
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) { s.auditor = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithGenerator(g id.Generator) Option {
	return func(s *Service) { s.generator = g }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store Store, sealer *vault.Sealer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	s := &Service{
		store:         store,
		sealer:        sealer,
		tierTable:     DefaultTierTable(),
		generator:     id.NewRandomGenerator(time.Now().UnixNano()),
		logger:        slog.Default(),
		now:           time.Now,
		identityLocks: make(map[id.AnonymousID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateParams is the onboarding input. RealIdentityRef is the only place the
// real identity ever enters this system; it leaves Create triple-wrapped.
type CreateParams struct {
	RealIdentityRef   string
	Tier              id.Tier
	DeviceSignature   string
	BiometricSample   []byte
	ServiceCategories []string
	Preferences       []byte
	ExtendedAttrs     []byte
}

// Create builds an AnonymousIdentity from the tier configuration table.
func (s *Service) Create(ctx context.Context, params CreateParams) (AnonymousIdentity, error) {
	cfg, ok := s.tierTable[params.Tier]
	if !ok {
		return AnonymousIdentity{}, dErrors.Newf(dErrors.CodeUnknownTier, "no configuration for tier %q", params.Tier)
	}
	if params.RealIdentityRef == "" {
		return AnonymousIdentity{}, dErrors.New(dErrors.CodeInvalidInput, "real identity ref is required")
	}

	sealed, err := s.sealer.Seal([]byte(params.RealIdentityRef))
	if err != nil {
		return AnonymousIdentity{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal identity ref")
	}
	salt, err := vault.NewSalt()
	if err != nil {
		return AnonymousIdentity{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate salt")
	}

	var encrypted EncryptedLayer
	if len(params.Preferences) > 0 {
		payload, err := s.sealer.Seal(params.Preferences)
		if err != nil {
			return AnonymousIdentity{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal preferences")
		}
		encrypted.Payload = payload
	}

	now := s.now()
	codename := s.generator.Codename()
	identity := AnonymousIdentity{
		AnonymousID: id.AnonymousID(s.generator.NewID()),
		Tier:        params.Tier,
		Codename:    codename,
		Public: PublicLayer{
			Codename:          codename,
			Tier:              params.Tier,
			GeographicMask:    cfg.GeographicMask,
			ServiceCategories: pkgstrings.DedupeAndTrim(params.ServiceCategories),
		},
		Encrypted: encrypted,
		Secured: SecuredLayer{
			IdentitySealed:    sealed,
			BiometricHash:     vault.HashBiometric(params.BiometricSample, salt),
			BiometricSalt:     salt,
			DeviceFingerprint: vault.AnonymizeDevice(params.DeviceSignature, salt),
		},
		Controls: AnonymityControls{
			Level:          cfg.MaxLevel,
			AutoDegrade:    cfg.AutoDegrade,
			RevealTriggers: cfg.RevealTriggers,
			TTL:            cfg.TTL,
			ExpiresAt:      now.Add(cfg.TTL),
			GeographicMask: cfg.GeographicMask,
		},
		Interaction: InteractionParams{
			EncryptionScheme:    cfg.EncryptionScheme,
			KeyRotationInterval: cfg.KeyRotationInterval,
			IntermediaryLayers:  cfg.IntermediaryLayers,
			PaymentChannels:     cfg.PaymentChannels,
		},
		CreatedAt:       now,
		LastKeyRotation: now,
	}
	if cfg.ExtendedLayer && len(params.ExtendedAttrs) > 0 {
		payload, err := s.sealer.Seal(params.ExtendedAttrs)
		if err != nil {
			return AnonymousIdentity{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal extended attrs")
		}
		identity.Extended = &ExtendedLayer{Payload: payload}
	}

	if err := s.store.Save(ctx, identity); err != nil {
		return AnonymousIdentity{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save identity")
	}

	if s.metrics != nil {
		s.metrics.IdentitiesCreated.Inc()
	}
	s.emit(ctx, audit.Event{
		AnonymousID:   identity.AnonymousID,
		Action:        audit.ActionIdentityCreated,
		Actor:         "identity-service",
		Justification: "onboarding",
		Detail:        fmt.Sprintf("tier=%s level=%s", identity.Tier, identity.Controls.Level),
	})
	return identity, nil
}

// Describe returns only the public layer. This is the single read path
// available to external service-interaction collaborators.
func (s *Service) Describe(ctx context.Context, anonymousID id.AnonymousID) (PublicView, error) {
	identity, err := s.store.FindByID(ctx, anonymousID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return PublicView{}, dErrors.New(dErrors.CodeNotFound, "identity not found")
	}
	if err != nil {
		return PublicView{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return identity.View(), nil
}

// Get returns the full record for internal collaborators (reveal engine,
// risk assessor). Transports must never expose this.
func (s *Service) Get(ctx context.Context, anonymousID id.AnonymousID) (AnonymousIdentity, error) {
	identity, err := s.store.FindByID(ctx, anonymousID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return AnonymousIdentity{}, dErrors.New(dErrors.CodeNotFound, "identity not found")
	}
	if err != nil {
		return AnonymousIdentity{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return identity, nil
}

// SetLevel mutates the anonymity level, clamped to the tier maximum. Calls
// for the same identity are serialized.
func (s *Service) SetLevel(ctx context.Context, anonymousID id.AnonymousID, level id.AnonymityLevel, reason string) (id.AnonymityLevel, error) {
	if !level.IsValid() {
		return 0, dErrors.Newf(dErrors.CodeInvalidInput, "invalid anonymity level %d", level)
	}

	lock := s.lockFor(anonymousID)
	lock.Lock()
	defer lock.Unlock()

	identity, err := s.store.FindByID(ctx, anonymousID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return 0, dErrors.New(dErrors.CodeNotFound, "identity not found")
	}
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}

	cfg := s.tierTable[identity.Tier]
	previous := identity.Controls.Level
	clamped := level.Clamp(cfg.MaxLevel)
	controls := identity.Controls
	controls.Level = clamped
	if err := s.store.UpdateControls(ctx, anonymousID, controls); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update controls")
	}

	s.emit(ctx, audit.Event{
		AnonymousID:   anonymousID,
		Action:        audit.ActionLevelChanged,
		Actor:         "identity-service",
		Justification: reason,
		Detail:        fmt.Sprintf("from=%s to=%s requested=%s", previous, clamped, level),
	})
	return clamped, nil
}

// RotateKeys records a key rotation for the identity's interaction channel.
func (s *Service) RotateKeys(ctx context.Context, anonymousID id.AnonymousID) error {
	err := s.store.TouchKeyRotation(ctx, anonymousID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "identity not found")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record key rotation")
	}
	return nil
}

// MaxLevel exposes the tier's configured ceiling for the rule engine.
func (s *Service) MaxLevel(tier id.Tier) id.AnonymityLevel {
	return s.tierTable[tier].MaxLevel
}

func (s *Service) lockFor(anonymousID id.AnonymousID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.identityLocks[anonymousID]
	if !ok {
		lock = &sync.Mutex{}
		s.identityLocks[anonymousID] = lock
	}
	return lock
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.Error("emit identity audit event failed", "action", event.Action, "error", err)
	}
}
