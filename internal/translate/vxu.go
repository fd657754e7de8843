package translate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// unknownAmount is the RXA-6 value meaning the administered amount is not
// recorded.
const unknownAmount = "999"

// translateVXU produces one bundle per RXA segment: Patient and Immunization.
func translateVXU(t *V2ToFHIR, msg *hl7v2.Message, patient *fhir.Patient) ([]*fhir.Bundle, error) {
	var bundles []*fhir.Bundle
	seq := 0
	for i := range msg.Segments {
		rxa := &msg.Segments[i]
		if rxa.Name != "RXA" {
			continue
		}

		b := t.newBundle(msg, seq)
		subject := b.addPatient(patient)

		imm, err := immunizationFromRXA(rxa, msg.Delimiters)
		if err != nil {
			return nil, fmt.Errorf("RXA %d: %w", seq+1, err)
		}
		imm.ID = b.id("immunization")
		imm.Patient = subject
		b.addFocus("immunization", imm)

		bundle, err := b.build()
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
		seq++
	}
	return bundles, nil
}

// immunizationFromRXA maps an RXA segment.
//
//	RXA-3  administration start date/time
//	RXA-5  administered code
//	RXA-6  administered amount
//	RXA-7  administered units
//	RXA-15 lot number
//	RXA-20 completion status
func immunizationFromRXA(rxa *hl7v2.Segment, d hl7v2.Delimiters) (*fhir.Immunization, error) {
	occurred := dateTime(rxa.Field(3))
	if occurred == "" {
		return nil, fmt.Errorf("RXA-3 administration date/time is required")
	}
	vaccine := codeableConcept(d, rxa.Repetitions(5))
	if len(vaccine.Coding) == 0 && vaccine.Text == "" {
		return nil, fmt.Errorf("RXA-5 administered code is required")
	}

	imm := &fhir.Immunization{
		ResourceType:       "Immunization",
		Status:             immunizationStatus(rxa.Field(20)),
		VaccineCode:        vaccine,
		OccurrenceDateTime: occurred,
		LotNumber:          d.Unescape(rxa.Component(15, 1)),
	}

	if amt := strings.TrimSpace(rxa.Field(6)); amt != "" && amt != unknownAmount {
		if v, err := strconv.ParseFloat(amt, 64); err == nil {
			imm.DoseQuantity = &fhir.Quantity{Value: &v, Unit: d.Unescape(rxa.Component(7, 1))}
		}
	}
	return imm, nil
}
