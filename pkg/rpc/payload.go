package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Wire field names shared with device firmware.
const (
	FieldCorrelation = "correlationData"
	FieldParams      = "params"
	FieldStatus      = "status"
	FieldErrorCode   = "errorCode"
)

// Response statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusOffline = "OFFLINE"
	StatusError   = "ERROR"
)

// Response is the decoded reply envelope.
type Response struct {
	CorrelationData string `json:"correlationData"`
	Status          string `json:"status,omitempty"`
	ErrorCode       string `json:"errorCode,omitempty"`
}

// EncodeRequest builds {"correlationData": id, "params": params}. params may be
// nil, a json.RawMessage / []byte holding a JSON object, or any value that
// marshals to one.
func EncodeRequest(correlationID string, params any) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), FieldCorrelation, correlationID)
	if err != nil {
		return nil, err
	}
	if params == nil {
		return body, nil
	}

	var raw []byte
	switch v := params.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		if raw, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("%w: marshal params: %v", ErrInvalidArgument, err)
		}
	}
	if len(raw) == 0 {
		return body, nil
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, invalidArgument("params must be a JSON object")
	}
	return sjson.SetRawBytes(body, FieldParams, raw)
}

// CorrelationOf extracts correlationData from a payload without decoding it
// fully. ok is false for non-JSON payloads or a missing/non-string field.
func CorrelationOf(payload []byte) (id string, ok bool) {
	if !gjson.ValidBytes(payload) {
		return "", false
	}
	v := gjson.GetBytes(payload, FieldCorrelation)
	if v.Type != gjson.String || v.Str == "" {
		return "", false
	}
	return v.Str, true
}

// DecodeResponse turns a reply payload into an Outcome. errorCode may be a
// string or a number on the wire.
func DecodeResponse(payload []byte) (Outcome, error) {
	if !gjson.ValidBytes(payload) {
		return Outcome{}, fmt.Errorf("decode response: invalid JSON")
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return Outcome{}, fmt.Errorf("decode response: not a JSON object")
	}

	o := Outcome{
		CorrelationID: doc.Get(FieldCorrelation).String(),
		Status:        doc.Get(FieldStatus).String(),
		ErrorCode:     doc.Get(FieldErrorCode).String(),
		Payload:       json.RawMessage(payload),
	}
	switch o.Status {
	case "", StatusSuccess:
		o.Kind = OutcomeSuccess
		o.Status = StatusSuccess
	default:
		o.Kind = OutcomeRemoteError
		if o.ErrorCode == "" {
			o.ErrorCode = o.Status
		}
	}
	return o, nil
}

// DecodeRequest is the device-side counterpart of EncodeRequest. params is
// nil when the request carries none.
func DecodeRequest(payload []byte) (correlationID string, params json.RawMessage, err error) {
	correlationID, ok := CorrelationOf(payload)
	if !ok {
		return "", nil, invalidArgument("request without %s", FieldCorrelation)
	}
	if p := gjson.GetBytes(payload, FieldParams); p.Exists() {
		if !p.IsObject() {
			return "", nil, invalidArgument("%s must be a JSON object", FieldParams)
		}
		params = json.RawMessage(p.Raw)
	}
	return correlationID, params, nil
}

// EncodeResponse builds a reply envelope. Top-level fields of extra, which
// must be a JSON object when set, are copied next to the envelope fields
// without overriding them.
func EncodeResponse(r Response, extra json.RawMessage) ([]byte, error) {
	if r.CorrelationData == "" {
		return nil, invalidArgument("response without %s", FieldCorrelation)
	}
	body := []byte(`{}`)
	if len(extra) > 0 {
		if !gjson.ValidBytes(extra) || !gjson.ParseBytes(extra).IsObject() {
			return nil, invalidArgument("response body must be a JSON object")
		}
		body = append([]byte(nil), extra...)
	}

	var err error
	if body, err = sjson.SetBytes(body, FieldCorrelation, r.CorrelationData); err != nil {
		return nil, err
	}
	if r.Status != "" {
		if body, err = sjson.SetBytes(body, FieldStatus, r.Status); err != nil {
			return nil, err
		}
	}
	if r.ErrorCode != "" {
		if body, err = sjson.SetBytes(body, FieldErrorCode, r.ErrorCode); err != nil {
			return nil, err
		}
	}
	return body, nil
}
