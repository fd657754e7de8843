package fhir

import (
	"encoding/json"
	"strings"
)

// MessageHeader.response.code values (FHIR R4 ResponseType).
const (
	ResponseCodeOK             = "ok"
	ResponseCodeTransientError = "transient-error"
	ResponseCodeFatalError     = "fatal-error"
)

// InterpretMessageResponse decides whether a $process-message response
// Bundle reports success.
//
// Algorithm:
//  1. A nil or empty bundle is a failure (ErrEmptyResponse).
//  2. A message bundle whose MessageHeader.response.code is not "ok" is a
//     failure; its OperationOutcome (referenced by response.details, or any
//     OperationOutcome entry) supplies the diagnostics.
//  3. Anything else is success. Servers that answer with a non-message
//     bundle or omit response are given the benefit of the doubt.
func InterpretMessageResponse(b *Bundle) error {
	if b.IsEmpty() {
		return ErrEmptyResponse
	}

	if b.Type != BundleTypeMessage || len(b.Entry) == 0 {
		return nil
	}

	header, err := b.MessageHeader()
	if err != nil || header.Response == nil {
		return nil
	}

	if header.Response.Code == ResponseCodeOK || header.Response.Code == "" {
		return nil
	}

	return &ResponseError{
		ResponseCode: header.Response.Code,
		Outcome:      findOutcome(b, header.Response.Details),
	}
}

// findOutcome locates the OperationOutcome for a failed response, preferring
// the one referenced by details.
func findOutcome(b *Bundle, details *Reference) *OperationOutcome {
	var fallback *OperationOutcome
	for _, e := range b.Entry {
		if ResourceTypeOf(e.Resource) != "OperationOutcome" {
			continue
		}
		var oo OperationOutcome
		if err := json.Unmarshal(e.Resource, &oo); err != nil {
			continue
		}
		if details != nil && details.Reference != "" &&
			(e.FullURL == details.Reference || strings.HasSuffix(e.FullURL, "/"+details.Reference)) {
			return &oo
		}
		if fallback == nil {
			fallback = &oo
		}
	}
	return fallback
}
