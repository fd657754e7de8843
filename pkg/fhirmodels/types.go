package fhirmodels

// FHIR R4 value set codes produced when translating HL7v2 messages.

// Code systems.
const (
	SystemActCode             = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	SystemParticipationType   = "http://terminology.hl7.org/CodeSystem/v3-ParticipationType"
	SystemObservationCategory = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemInterpretation      = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
	SystemIdentifierType      = "http://terminology.hl7.org/CodeSystem/v2-0203"
	SystemMessageEvent        = "http://terminology.hl7.org/CodeSystem/v2-0003"
	SystemUCUM                = "http://unitsofmeasure.org"
)

// EncounterStatus values.
const (
	EncounterStatusPlanned    = "planned"
	EncounterStatusInProgress = "in-progress"
	EncounterStatusFinished   = "finished"
	EncounterStatusCancelled  = "cancelled"
)

// EncounterClass codes from v3-ActCode.
const (
	EncounterClassAmbulatory   = "AMB"
	EncounterClassEmergency    = "EMER"
	EncounterClassInpatient    = "IMP"
	EncounterClassObservation  = "OBSENC"
	EncounterClassPreAdmission = "PRENC"
)

// ParticipantType codes.
const (
	ParticipantAttender = "ATND"
)

// ObservationCategory codes.
const (
	ObsCategoryLaboratory = "laboratory"
)

// ObservationStatus codes.
const (
	ObservationRegistered     = "registered"
	ObservationPreliminary    = "preliminary"
	ObservationFinal          = "final"
	ObservationCorrected      = "corrected"
	ObservationCancelled      = "cancelled"
	ObservationEnteredInError = "entered-in-error"
)

// DiagnosticReportStatus codes.
const (
	ReportRegistered  = "registered"
	ReportPartial     = "partial"
	ReportPreliminary = "preliminary"
	ReportFinal       = "final"
	ReportCorrected   = "corrected"
	ReportCancelled   = "cancelled"
)

// ImmunizationStatus codes.
const (
	ImmunizationCompleted = "completed"
	ImmunizationNotDone   = "not-done"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)
