package translate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/pkg/fhirmodels"
)

var laboratoryCategory = fhir.CodeableConcept{Coding: []fhir.Coding{{
	System: fhirmodels.SystemObservationCategory,
	Code:   fhirmodels.ObsCategoryLaboratory,
}}}

// obrGroup is an OBR segment and the OBX segments that follow it.
type obrGroup struct {
	obr *hl7v2.Segment
	obx []*hl7v2.Segment
}

func groupResults(msg *hl7v2.Message) []obrGroup {
	var groups []obrGroup
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "OBR":
			groups = append(groups, obrGroup{obr: seg})
		case "OBX":
			if len(groups) > 0 {
				g := &groups[len(groups)-1]
				g.obx = append(g.obx, seg)
			}
		}
	}
	return groups
}

// translateORU produces one bundle per OBR group: Patient, DiagnosticReport
// and one Observation per OBX. A message without OBR yields no bundles.
func translateORU(t *V2ToFHIR, msg *hl7v2.Message, patient *fhir.Patient) ([]*fhir.Bundle, error) {
	groups := groupResults(msg)
	bundles := make([]*fhir.Bundle, 0, len(groups))

	for i, g := range groups {
		b := t.newBundle(msg, i)
		subject := b.addPatient(patient)

		report := reportFromOBR(g.obr, msg.Delimiters)
		report.ID = b.id("report")
		report.Subject = &subject

		for j, obx := range g.obx {
			obs, err := observationFromOBX(obx, msg.Delimiters)
			if err != nil {
				return nil, fmt.Errorf("OBR %d, OBX %d: %w", i+1, j+1, err)
			}
			slot := fmt.Sprintf("observation-%d", j)
			obs.ID = b.id(slot)
			obs.Subject = &subject
			if obs.EffectiveDateTime == "" {
				obs.EffectiveDateTime = report.EffectiveDateTime
			}
			report.Result = append(report.Result, b.add(slot, obs))
		}

		b.addFocus("report", report)
		bundle, err := b.build()
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

// reportFromOBR maps an OBR segment.
//
//	OBR-3  filler order number
//	OBR-4  universal service identifier
//	OBR-7  observation date/time
//	OBR-22 results reported date/time
//	OBR-25 result status
func reportFromOBR(obr *hl7v2.Segment, d hl7v2.Delimiters) *fhir.DiagnosticReport {
	report := &fhir.DiagnosticReport{
		ResourceType:      "DiagnosticReport",
		Status:            reportStatus(obr.Field(25)),
		Code:              codeableConcept(d, obr.Repetitions(4)),
		EffectiveDateTime: dateTime(obr.Field(7)),
		Issued:            instant(obr.Field(22)),
	}
	if v := obr.Component(3, 1); v != "" {
		report.Identifier = []fhir.Identifier{{
			Type:  &fhir.CodeableConcept{Coding: []fhir.Coding{{System: identifierTypeSystem, Code: "FILL"}}},
			Value: d.Unescape(v),
		}}
	}
	return report
}

// observationFromOBX maps an OBX segment.
//
//	OBX-2  value type
//	OBX-3  observation identifier
//	OBX-5  observation value
//	OBX-6  units
//	OBX-7  reference range
//	OBX-8  abnormal flags
//	OBX-11 result status
//	OBX-14 observation date/time
func observationFromOBX(obx *hl7v2.Segment, d hl7v2.Delimiters) (*fhir.Observation, error) {
	obs := &fhir.Observation{
		ResourceType:      "Observation",
		Status:            observationStatus(obx.Field(11)),
		Category:          []fhir.CodeableConcept{laboratoryCategory},
		Code:              codeableConcept(d, obx.Repetitions(3)),
		EffectiveDateTime: dateTime(obx.Field(14)),
	}

	unit := d.Unescape(obx.Component(6, 1))

	switch vt := obx.Field(2); vt {
	case "NM", "SN":
		raw := strings.TrimSpace(obx.Field(5))
		if vt == "SN" {
			raw = strings.TrimSpace(obx.Component(5, 2))
		}
		if raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("OBX-5 %q is not numeric", raw)
			}
			obs.ValueQuantity = &fhir.Quantity{Value: &v, Unit: unit}
			if unit != "" {
				obs.ValueQuantity.System = fhirmodels.SystemUCUM
				obs.ValueQuantity.Code = unit
			}
		}
	case "CE", "CWE", "CNE":
		if cc := codeableConcept(d, obx.Repetitions(5)); len(cc.Coding) > 0 || cc.Text != "" {
			obs.ValueCodeable = &cc
		}
	default:
		var parts []string
		for _, rep := range obx.Repetitions(5) {
			parts = append(parts, d.Unescape(strings.Join(rep, string(d.Component))))
		}
		obs.ValueString = strings.Join(parts, "\n")
	}

	if rr := referenceRange(obx.Field(7), unit); rr != nil {
		obs.ReferenceRange = []fhir.ReferenceRange{*rr}
	}

	if flag := obx.Component(8, 1); flag != "" {
		obs.Interpretation = []fhir.CodeableConcept{{Coding: []fhir.Coding{{
			System:  interpretationSystem,
			Code:    flag,
			Display: interpretationDisplay(flag),
		}}}}
	}
	return obs, nil
}

// referenceRange parses OBX-7 in the forms "low-high", ">low" and "<high".
// Anything else is kept as text.
func referenceRange(v, unit string) *fhir.ReferenceRange {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	qty := func(s string) *fhir.Quantity {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		return &fhir.Quantity{Value: &f, Unit: unit}
	}

	switch {
	case strings.HasPrefix(v, ">"):
		if q := qty(strings.TrimLeft(v, ">=")); q != nil {
			return &fhir.ReferenceRange{Low: q}
		}
	case strings.HasPrefix(v, "<"):
		if q := qty(strings.TrimLeft(v, "<=")); q != nil {
			return &fhir.ReferenceRange{High: q}
		}
	default:
		// Skip a leading minus sign so negative lows split correctly.
		if i := strings.Index(v[1:], "-"); i >= 0 {
			low, high := qty(v[:i+1]), qty(v[i+2:])
			if low != nil && high != nil {
				return &fhir.ReferenceRange{Low: low, High: high}
			}
		}
	}
	return &fhir.ReferenceRange{Text: v}
}
