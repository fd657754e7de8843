package translate

import (
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/pkg/fhirmodels"
)

// translateADT produces one bundle holding the Patient and, when PV1 is
// present, the Encounter.
func translateADT(t *V2ToFHIR, msg *hl7v2.Message, patient *fhir.Patient) ([]*fhir.Bundle, error) {
	b := t.newBundle(msg, 0)

	pv1 := msg.Segment("PV1")
	if pv1 == nil {
		p := *patient
		p.ID = b.id("patient")
		b.addFocus("patient", &p)
		bundle, err := b.build()
		if err != nil {
			return nil, err
		}
		return []*fhir.Bundle{bundle}, nil
	}

	subject := b.addPatient(patient)
	enc := encounterFromPV1(pv1, msg.Delimiters, msg.TriggerEvent())
	enc.ID = b.id("encounter")
	enc.Subject = &subject
	b.addFocus("encounter", enc)

	bundle, err := b.build()
	if err != nil {
		return nil, err
	}
	return []*fhir.Bundle{bundle}, nil
}

// encounterFromPV1 maps a PV1 segment.
//
//	PV1-2  patient class
//	PV1-3  assigned location (point of care^room^bed)
//	PV1-7  attending doctor (id^family^given)
//	PV1-19 visit number
//	PV1-44 admit date/time
//	PV1-45 discharge date/time
func encounterFromPV1(pv1 *hl7v2.Segment, d hl7v2.Delimiters, trigger string) *fhir.Encounter {
	enc := &fhir.Encounter{
		ResourceType: "Encounter",
		Status:       encounterStatus(trigger),
		Class:        encounterClass(pv1.Component(2, 1)),
	}

	if v := pv1.Component(19, 1); v != "" {
		enc.Identifier = []fhir.Identifier{{Use: "official", Value: d.Unescape(v)}}
	}

	if loc := joinNonEmpty(" ", unescapeAll(d, pv1.Component(3, 1), pv1.Component(3, 2), pv1.Component(3, 3))...); loc != "" {
		enc.Location = []fhir.EncounterLocation{{Location: fhir.Reference{Display: loc}}}
	}

	if rep := pv1.Repetitions(7); len(rep) > 0 {
		if name := personDisplay(d, rep[0]); name != "" {
			enc.Participant = []fhir.EncounterParticipant{{
				Type: []fhir.CodeableConcept{{Coding: []fhir.Coding{{
					System: fhirmodels.SystemParticipationType,
					Code:   fhirmodels.ParticipantAttender,
				}}}},
				Individual: &fhir.Reference{Display: name},
			}}
		}
	}

	start, end := dateTime(pv1.Field(44)), dateTime(pv1.Field(45))
	if start != "" || end != "" {
		enc.Period = &fhir.Period{Start: start, End: end}
	}
	return enc
}

// personDisplay renders an XCN value (id^family^given^middle^suffix^prefix)
// as "prefix given family".
func personDisplay(d hl7v2.Delimiters, xcn []string) string {
	at := func(i int) string {
		if i < len(xcn) {
			return d.Unescape(xcn[i])
		}
		return ""
	}
	return joinNonEmpty(" ", at(5), at(2), at(1))
}
