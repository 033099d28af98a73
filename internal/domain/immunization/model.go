package immunization

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Storage attribute names for the records table.
const (
	attrPK           = "PK"
	attrPatientPK    = "PatientPK"
	attrPatientSK    = "PatientSK"
	attrIdentifierPK = "IdentifierPK"
	attrResource     = "Resource"
	attrOperation    = "Operation"
	attrVersion      = "Version"
	attrSupplier     = "SupplierSystem"
	attrDeletedAt    = "DeletedAt"
	attrUpdatedAt    = "UpdatedAt"
)

// reinstatedMarker is the DeletedAt value for a record that was deleted and
// later brought back. A record carrying it reads as live but keeps its
// deletion history.
const reinstatedMarker = "reinstated"

// unknownPatient keys records whose payload carries no patient identifier.
const unknownPatient = "TBC"

// Record is one immunization event as stored, with its concurrency and
// lifecycle metadata.
type Record struct {
	ID               string          `json:"id"`
	Resource         json.RawMessage `json:"resource"`
	Version          int64           `json:"version"`
	Deleted          bool            `json:"deleted,omitempty"`
	Reinstated       bool            `json:"reinstated,omitempty"`
	IdentifierSystem string          `json:"identifier_system"`
	IdentifierValue  string          `json:"identifier_value"`
	VaccineType      string          `json:"vaccine_type"`
	NHSNumber        string          `json:"nhs_number"`
	SupplierSystem   string          `json:"supplier_system,omitempty"`
}

// IdentifierKey returns the composite business identifier key.
func (r *Record) IdentifierKey() string {
	return identifierKey(r.IdentifierSystem, r.IdentifierValue)
}

func recordKey(id string) string   { return "Immunization#" + id }
func patientKey(nhs string) string { return "Patient#" + nhs }

func identifierKey(system, value string) string {
	return system + "#" + value
}

// patientSortKey groups a patient's events by vaccine type.
func patientSortKey(vaccineType, id string) string {
	return vaccineType + "#" + id
}

func vaccineTypeFromSortKey(sk string) string {
	return strings.ToUpper(strings.TrimSpace(strings.SplitN(sk, "#", 2)[0]))
}

// ---------------------------------------------------------------------------
// Payload envelope
// ---------------------------------------------------------------------------

// envelope is the subset of the FHIR Immunization payload the store needs
// for key derivation. The payload itself stays opaque; full schema
// validation happens upstream of this service.
type envelope struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Identifier   []struct {
		System string `json:"system"`
		Value  string `json:"value"`
	} `json:"identifier"`
	Contained []struct {
		ResourceType string `json:"resourceType"`
		Identifier   []struct {
			Value string `json:"value"`
		} `json:"identifier"`
	} `json:"contained"`
	ProtocolApplied []struct {
		TargetDisease []struct {
			Coding []struct {
				Code string `json:"code"`
			} `json:"coding"`
		} `json:"targetDisease"`
	} `json:"protocolApplied"`
}

func parseEnvelope(resource json.RawMessage) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(resource, &env); err != nil {
		return nil, fmt.Errorf("decode immunization payload: %w", err)
	}
	if env.ResourceType != "" && env.ResourceType != "Immunization" {
		return nil, fmt.Errorf("unexpected resourceType %q", env.ResourceType)
	}
	if len(env.Identifier) == 0 || env.Identifier[0].System == "" || env.Identifier[0].Value == "" {
		return nil, fmt.Errorf("immunization payload carries no business identifier")
	}
	return &env, nil
}

// nhsNumber finds the contained patient's identifier, falling back to the
// unknown-patient sentinel.
func (e *envelope) nhsNumber() string {
	for _, c := range e.Contained {
		if c.ResourceType == "Patient" && len(c.Identifier) > 0 && c.Identifier[0].Value != "" {
			return c.Identifier[0].Value
		}
	}
	return unknownPatient
}

// vaccineType derives the vaccine type from the payload's target disease
// codes.
func (e *envelope) vaccineType() (string, error) {
	var codes []string
	for _, pa := range e.ProtocolApplied {
		for _, td := range pa.TargetDisease {
			for _, c := range td.Coding {
				if c.Code != "" {
					codes = append(codes, c.Code)
				}
			}
		}
	}
	if len(codes) == 0 {
		return "", fmt.Errorf("immunization payload carries no target disease codes")
	}
	sort.Strings(codes)
	vt, ok := diseaseCodesToVaccineType[strings.Join(codes, "+")]
	if !ok {
		return "", fmt.Errorf("unknown target disease combination %v", codes)
	}
	return vt, nil
}

// DiseaseCodes returns the SNOMED target disease codes for a vaccine type,
// or nil when the type is unknown. It is the inverse of the derivation used
// when storing a payload.
func DiseaseCodes(vaccineType string) []string {
	want := strings.ToUpper(strings.TrimSpace(vaccineType))
	for codes, vt := range diseaseCodesToVaccineType {
		if vt == want {
			return strings.Split(codes, "+")
		}
	}
	return nil
}

// diseaseCodesToVaccineType maps a sorted, "+"-joined SNOMED target disease
// code combination to its vaccine type.
var diseaseCodesToVaccineType = map[string]string{
	"840539006":                  "COVID19",
	"6142004":                    "FLU",
	"240532009":                  "HPV",
	"14189004+36653000+36989005": "MMR",
	"55735004":                   "RSV",
	"23511004":                   "MENACWY",
	"27836007":                   "PERTUSSIS",
	"4740000":                    "SHINGLES",
}
