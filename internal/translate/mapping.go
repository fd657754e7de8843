package translate

import (
	"strings"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/pkg/fhirmodels"
)

const (
	identifierTypeSystem = fhirmodels.SystemIdentifierType
	interpretationSystem = fhirmodels.SystemInterpretation
	actCodeSystem        = fhirmodels.SystemActCode
)

// patientFromPID maps a PID segment.
//
//	PID-3  patient identifier list (id^^^authority^type)
//	PID-5  patient name (family^given^middle^suffix^prefix)
//	PID-7  date of birth
//	PID-8  administrative sex
//	PID-11 address (street^other^city^state^zip^country)
//	PID-13 home phone
//	PID-14 business phone
//	PID-30 death indicator
func patientFromPID(pid *hl7v2.Segment, d hl7v2.Delimiters) *fhir.Patient {
	p := &fhir.Patient{
		ResourceType: "Patient",
		BirthDate:    date(pid.Field(7)),
		Gender:       administrativeGender(pid.Field(8)),
	}

	for _, rep := range pid.Repetitions(3) {
		c := components(d, rep)
		if c(0) == "" {
			continue
		}
		id := fhir.Identifier{Value: c(0), System: authoritySystem(c(3))}
		if typ := c(4); typ != "" {
			id.Type = &fhir.CodeableConcept{Coding: []fhir.Coding{{System: identifierTypeSystem, Code: typ}}}
		}
		p.Identifier = append(p.Identifier, id)
	}

	for i, rep := range pid.Repetitions(5) {
		c := components(d, rep)
		name := fhir.HumanName{Family: c(0)}
		for _, g := range []string{c(1), c(2)} {
			if g != "" {
				name.Given = append(name.Given, g)
			}
		}
		if c(3) != "" {
			name.Suffix = []string{c(3)}
		}
		if c(4) != "" {
			name.Prefix = []string{c(4)}
		}
		if name.Family == "" && len(name.Given) == 0 {
			continue
		}
		if i == 0 {
			name.Use = "official"
		}
		p.Name = append(p.Name, name)
	}

	for _, rep := range pid.Repetitions(11) {
		c := components(d, rep)
		addr := fhir.Address{City: c(2), State: c(3), PostalCode: c(4), Country: c(5)}
		for _, line := range []string{c(0), c(1)} {
			if line != "" {
				addr.Line = append(addr.Line, line)
			}
		}
		if len(addr.Line) == 0 && addr.City == "" && addr.State == "" && addr.PostalCode == "" && addr.Country == "" {
			continue
		}
		p.Address = append(p.Address, addr)
	}

	p.Telecom = append(p.Telecom, contactPoints(d, pid.Repetitions(13), "home")...)
	p.Telecom = append(p.Telecom, contactPoints(d, pid.Repetitions(14), "work")...)

	switch pid.Field(30) {
	case "Y":
		deceased := true
		p.Deceased = &deceased
	case "N":
		deceased := false
		p.Deceased = &deceased
	}
	return p
}

// contactPoints maps XTN repetitions. The number is XTN-1, or XTN-4 for an
// email address when XTN-3 is "Internet".
func contactPoints(d hl7v2.Delimiters, reps [][]string, use string) []fhir.ContactPoint {
	var out []fhir.ContactPoint
	for _, rep := range reps {
		c := components(d, rep)
		if strings.EqualFold(c(2), "Internet") || strings.EqualFold(c(1), "NET") {
			if c(3) != "" {
				out = append(out, fhir.ContactPoint{System: "email", Value: c(3), Use: use})
			}
			continue
		}
		if c(0) != "" {
			out = append(out, fhir.ContactPoint{System: "phone", Value: c(0), Use: use})
		}
	}
	return out
}

// codeableConcept maps CE/CWE repetitions (id^text^system^altId^altText^altSystem).
func codeableConcept(d hl7v2.Delimiters, reps [][]string) fhir.CodeableConcept {
	var cc fhir.CodeableConcept
	for _, rep := range reps {
		c := components(d, rep)
		if c(0) != "" {
			cc.Coding = append(cc.Coding, fhir.Coding{System: codeSystem(c(2)), Code: c(0), Display: c(1)})
		}
		if c(3) != "" {
			cc.Coding = append(cc.Coding, fhir.Coding{System: codeSystem(c(5)), Code: c(3), Display: c(4)})
		}
		if cc.Text == "" {
			cc.Text = c(1)
		}
	}
	return cc
}

// components returns an accessor for the unescaped, 0-based components of a
// single repetition.
func components(d hl7v2.Delimiters, rep []string) func(int) string {
	return func(i int) string {
		if i < len(rep) {
			return strings.TrimSpace(d.Unescape(rep[i]))
		}
		return ""
	}
}

func unescapeAll(d hl7v2.Delimiters, vals ...string) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = d.Unescape(v)
	}
	return out
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

// codeSystem maps an HL7 table 0396 coding system name to its FHIR URI.
func codeSystem(short string) string {
	switch strings.ToUpper(short) {
	case "":
		return ""
	case "LN", "LOINC":
		return "http://loinc.org"
	case "SCT", "SNM", "SNOMED", "SNOMEDCT":
		return "http://snomed.info/sct"
	case "RXNORM":
		return "http://www.nlm.nih.gov/research/umls/rxnorm"
	case "I10", "ICD10", "I10C":
		return "http://hl7.org/fhir/sid/icd-10-cm"
	case "CVX":
		return "http://hl7.org/fhir/sid/cvx"
	case "NDC":
		return "http://hl7.org/fhir/sid/ndc"
	case "UCUM":
		return fhirmodels.SystemUCUM
	}
	if strings.Contains(short, ":") {
		return short
	}
	return "urn:hl7v2:codesystem:" + short
}

// authoritySystem maps an assigning authority to an identifier system.
func authoritySystem(authority string) string {
	switch {
	case authority == "":
		return ""
	case strings.Contains(authority, ":"):
		return authority
	}
	return "urn:hl7v2:authority:" + authority
}

// administrativeGender maps HL7 table 0001 to FHIR administrative-gender.
func administrativeGender(sex string) string {
	switch strings.ToUpper(sex) {
	case "":
		return ""
	case "M":
		return fhirmodels.GenderMale
	case "F":
		return fhirmodels.GenderFemale
	case "O", "A", "N":
		return fhirmodels.GenderOther
	default:
		return fhirmodels.GenderUnknown
	}
}

// encounterClass maps HL7 table 0004 patient class to a v3 ActCode.
func encounterClass(class string) fhir.Coding {
	codes := map[string]struct{ code, display string }{
		"I": {fhirmodels.EncounterClassInpatient, "inpatient encounter"},
		"O": {fhirmodels.EncounterClassAmbulatory, "ambulatory"},
		"E": {fhirmodels.EncounterClassEmergency, "emergency"},
		"P": {fhirmodels.EncounterClassPreAdmission, "pre-admission"},
		"R": {fhirmodels.EncounterClassInpatient, "inpatient encounter"},
		"B": {fhirmodels.EncounterClassObservation, "observation encounter"},
	}
	if c, ok := codes[strings.ToUpper(class)]; ok {
		return fhir.Coding{System: actCodeSystem, Code: c.code, Display: c.display}
	}
	if class == "" {
		return fhir.Coding{System: actCodeSystem, Code: fhirmodels.EncounterClassAmbulatory, Display: "ambulatory"}
	}
	return fhir.Coding{System: actCodeSystem, Code: class}
}

// encounterStatus derives Encounter.status from the ADT trigger event.
func encounterStatus(trigger string) string {
	switch trigger {
	case "A03":
		return fhirmodels.EncounterStatusFinished
	case "A05", "A14":
		return fhirmodels.EncounterStatusPlanned
	case "A11", "A27", "A38":
		return fhirmodels.EncounterStatusCancelled
	default:
		return fhirmodels.EncounterStatusInProgress
	}
}

// observationStatus maps HL7 table 0085 to FHIR observation-status.
func observationStatus(status string) string {
	switch strings.ToUpper(status) {
	case "P", "S":
		return fhirmodels.ObservationPreliminary
	case "C":
		return fhirmodels.ObservationCorrected
	case "X", "D":
		return fhirmodels.ObservationCancelled
	case "W":
		return fhirmodels.ObservationEnteredInError
	case "I", "R":
		return fhirmodels.ObservationRegistered
	default:
		return fhirmodels.ObservationFinal
	}
}

// reportStatus maps HL7 table 0123 to FHIR diagnostic-report-status.
func reportStatus(status string) string {
	switch strings.ToUpper(status) {
	case "O", "I", "S":
		return fhirmodels.ReportRegistered
	case "P":
		return fhirmodels.ReportPreliminary
	case "A", "R":
		return fhirmodels.ReportPartial
	case "C", "M":
		return fhirmodels.ReportCorrected
	case "X":
		return fhirmodels.ReportCancelled
	default:
		return fhirmodels.ReportFinal
	}
}

// immunizationStatus maps HL7 table 0322 completion status.
func immunizationStatus(status string) string {
	switch strings.ToUpper(status) {
	case "RE", "NA", "PA":
		return fhirmodels.ImmunizationNotDone
	default:
		return fhirmodels.ImmunizationCompleted
	}
}

// interpretationDisplay names the common HL7 table 0078 abnormal flags.
func interpretationDisplay(flag string) string {
	switch flag {
	case "N":
		return "Normal"
	case "A":
		return "Abnormal"
	case "H":
		return "High"
	case "L":
		return "Low"
	case "HH":
		return "Critical high"
	case "LL":
		return "Critical low"
	}
	return ""
}

// dateTime converts an HL7 TS value to a FHIR dateTime, keeping the
// precision the sender used. Unparseable values are dropped.
func dateTime(v string) string {
	v = strings.TrimSpace(v)
	t, err := hl7v2.ParseTimestamp(v)
	if err != nil {
		return ""
	}
	switch digits(v) {
	case 4:
		return t.Format("2006")
	case 6:
		return t.Format("2006-01")
	case 8:
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02T15:04:05Z07:00")
}

// instant is dateTime for elements that require seconds precision.
func instant(v string) string {
	t, err := hl7v2.ParseTimestamp(strings.TrimSpace(v))
	if err != nil || digits(v) < 10 {
		return ""
	}
	return t.Format("2006-01-02T15:04:05Z07:00")
}

// date converts an HL7 DT/TS value to a FHIR date.
func date(v string) string {
	v = strings.TrimSpace(v)
	t, err := hl7v2.ParseTimestamp(v)
	if err != nil {
		return ""
	}
	switch digits(v) {
	case 4:
		return t.Format("2006")
	case 6:
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}

// digits counts the leading digits of an HL7 timestamp, ignoring any
// fraction or offset.
func digits(v string) int {
	n := 0
	for n < len(v) && v[n] >= '0' && v[n] <= '9' {
		n++
	}
	return n
}
