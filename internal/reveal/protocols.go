package reveal

import (
	"sync"
	"time"

	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
)

// ProtocolRegistry resolves reveal protocols by emergency type.
type ProtocolRegistry interface {
	Find(protocolID id.ProtocolID) (RevealProtocol, error)
	Register(protocol RevealProtocol) error
}

// InMemoryProtocolRegistry holds protocol configuration. Protocols are static
// per deployment so no persistent twin exists.
type InMemoryProtocolRegistry struct {
	mu        sync.RWMutex
	protocols map[id.ProtocolID]RevealProtocol
}

func NewInMemoryProtocolRegistry() *InMemoryProtocolRegistry {
	return &InMemoryProtocolRegistry{protocols: make(map[id.ProtocolID]RevealProtocol)}
}

func (r *InMemoryProtocolRegistry) Register(protocol RevealProtocol) error {
	if protocol.ID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "protocol id is required")
	}
	if len(protocol.Stages) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "protocol requires at least one stage")
	}
	seen := make(map[id.StageID]bool, len(protocol.Stages))
	for _, stage := range protocol.Stages {
		if stage.ID == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "stage id is required")
		}
		if seen[stage.ID] {
			return dErrors.Newf(dErrors.CodeInvalidInput, "duplicate stage %q", stage.ID)
		}
		seen[stage.ID] = true
		if len(stage.TriggerConditions) == 0 {
			return dErrors.Newf(dErrors.CodeInvalidInput, "stage %q has no trigger conditions", stage.ID)
		}
		if stage.RequiresConsent && stage.Delay <= 0 {
			return dErrors.Newf(dErrors.CodeInvalidInput, "stage %q requires consent but has no consent window", stage.ID)
		}
	}
	for _, esc := range protocol.Escalations {
		if _, _, ok := protocol.StageByID(esc.NextStage); !ok {
			return dErrors.Newf(dErrors.CodeInvalidInput, "escalation targets unknown stage %q", esc.NextStage)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[protocol.ID] = protocol
	return nil
}

func (r *InMemoryProtocolRegistry) Find(protocolID id.ProtocolID) (RevealProtocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[protocolID]
	if !ok {
		return RevealProtocol{}, dErrors.Newf(dErrors.CodeNotFound, "protocol %q not registered", protocolID)
	}
	return p, nil
}

// BuiltinProtocols returns the stock emergency protocols. Deployments extend
// the registry with their own.
func BuiltinProtocols() []RevealProtocol {
	return []RevealProtocol{
		medicalEmergencyProtocol(),
		securityThreatProtocol(),
		legalOrderProtocol(),
	}
}

// RegisterBuiltins loads the stock protocols into a registry.
func RegisterBuiltins(registry ProtocolRegistry) error {
	for _, p := range BuiltinProtocols() {
		if err := registry.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func medicalEmergencyProtocol() RevealProtocol {
	return RevealProtocol{
		ID: "medical_emergency",
		Stages: []Stage{
			{
				ID:                "immediate_location",
				RevealLevel:       id.RevealLocationOnly,
				TriggerConditions: []string{"emergency_activation", "vital_signs_critical"},
				AutoReveal:        true,
				DataTypes: []DataTypeSpec{
					{DataType: "location", Sensitivity: id.SensitivityModerate, MedicalNecessity: true, PurgeAfter: 24 * time.Hour},
					{DataType: "address", Sensitivity: id.SensitivityModerate, MedicalNecessity: true, PurgeAfter: 24 * time.Hour},
				},
			},
			{
				ID:                "medical_context",
				RevealLevel:       id.RevealPartialIdentity,
				TriggerConditions: []string{"hospital_admission"},
				RequiresConsent:   true,
				Delay:             15 * time.Minute,
				DataTypes: []DataTypeSpec{
					{DataType: "medical_conditions", Sensitivity: id.SensitivityCritical, MedicalNecessity: true, PurgeAfter: 72 * time.Hour},
					{DataType: "emergency_contacts", Sensitivity: id.SensitivityHigh, MedicalNecessity: true, PurgeAfter: 72 * time.Hour},
				},
			},
		},
		Escalations: []EscalationTrigger{
			{Condition: "patient_unresponsive", TimeThreshold: 30 * time.Minute, Automatic: true, NextStage: "medical_context"},
		},
		Overrides: []ConsentOverride{
			{Type: "medical_necessity", LegalBasis: "vital_interest", TimeLimit: 48 * time.Hour, DataScope: []string{"medical_conditions", "emergency_contacts"}, AuditRequired: true},
		},
	}
}

func securityThreatProtocol() RevealProtocol {
	return RevealProtocol{
		ID: "security_threat",
		Stages: []Stage{
			{
				ID:                "threat_indicators",
				RevealLevel:       id.RevealLocationOnly,
				TriggerConditions: []string{"security_breach", "account_takeover"},
				AutoReveal:        true,
				Delay:             10 * time.Minute,
				DataTypes: []DataTypeSpec{
					{DataType: "device_fingerprint", Sensitivity: id.SensitivityModerate, PurgeAfter: 48 * time.Hour},
					{DataType: "access_locations", Sensitivity: id.SensitivityModerate, PurgeAfter: 48 * time.Hour},
				},
			},
			{
				ID:                "account_identity",
				RevealLevel:       id.RevealPartialIdentity,
				TriggerConditions: []string{"active_intrusion"},
				RequiresConsent:   true,
				Delay:             30 * time.Minute,
				DataTypes: []DataTypeSpec{
					{DataType: "contact_channel", Sensitivity: id.SensitivityHigh, PurgeAfter: 7 * 24 * time.Hour},
				},
			},
		},
		Escalations: []EscalationTrigger{
			{Condition: "lateral_movement", TimeThreshold: 2 * time.Hour, Automatic: true, NextStage: "account_identity"},
		},
		Overrides: []ConsentOverride{
			{Type: "imminent_harm", LegalBasis: "legitimate_interest", TimeLimit: 24 * time.Hour, DataScope: []string{"contact_channel"}, AuditRequired: true},
		},
	}
}

func legalOrderProtocol() RevealProtocol {
	return RevealProtocol{
		ID: "legal_order",
		Stages: []Stage{
			{
				ID:                "subscriber_records",
				RevealLevel:       id.RevealPartialIdentity,
				TriggerConditions: []string{"subpoena", "preservation_order"},
				RequiresConsent:   true,
				Delay:             72 * time.Hour,
				DataTypes: []DataTypeSpec{
					{DataType: "account_metadata", Sensitivity: id.SensitivityHigh, LegalRequirement: true, PurgeAfter: 90 * 24 * time.Hour},
				},
			},
			{
				ID:                "full_disclosure",
				RevealLevel:       id.RevealFullIdentity,
				TriggerConditions: []string{"court_order"},
				AutoReveal:        true,
				DataTypes: []DataTypeSpec{
					{DataType: "full_identity", Sensitivity: id.SensitivityCritical, LegalRequirement: true, PurgeAfter: 90 * 24 * time.Hour},
				},
			},
		},
		Escalations: []EscalationTrigger{
			{Condition: "compliance_deadline", TimeThreshold: 14 * 24 * time.Hour, Automatic: true, NextStage: "full_disclosure"},
		},
		Overrides: []ConsentOverride{
			{Type: "court_compulsion", LegalBasis: "legal_obligation", TimeLimit: 90 * 24 * time.Hour, DataScope: []string{"account_metadata", "full_identity"}, AuditRequired: true},
		},
	}
}
