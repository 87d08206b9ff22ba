package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tejusbharadwaj/posterflow/internal/models"
)

// ErrUpstream matches any *APIError with errors.Is.
var ErrUpstream = errors.New("upstream error")

// APIError is a logical error reported by the API inside a valid JSON body.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream error %s", e.Code)
	}
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUpstream
}

// Decode classifies a response body. It never fails: malformed or
// unrecognised input is Empty.
func Decode(raw []byte) Payload {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Empty{}
	}

	switch raw[0] {
	case '[':
		return ListPayload{Items: decodeList(raw)}
	case '{':
		return decodeObject(raw)
	default:
		// null, true/false, numbers and strings
		return Empty{}
	}
}

func decodeObject(raw []byte) Payload {
	members, err := objectMembers(raw)
	if err != nil {
		return Empty{}
	}

	if v, ok := lookup(members, "error"); ok && !isNull(v) {
		return ErrorEnvelope{Err: parseAPIError(v, members)}
	}
	if v, ok := lookup(members, "response"); ok {
		return Decode(v)
	}
	if v, ok := lookup(members, "data"); ok {
		return DataEnvelope{Items: decodeList(v)}
	}

	items := make([]models.Record, 0, len(members))
	for _, m := range members {
		if rec, ok := decodeRecord(m.value); ok {
			items = append(items, rec)
		}
	}
	return MapPayload{Items: items}
}

// Normalize extracts the records of a response body. The only error it
// returns is an *APIError for an error envelope.
func Normalize(raw []byte) ([]models.Record, error) {
	p := Decode(raw)
	if env, ok := p.(ErrorEnvelope); ok {
		return []models.Record{}, env.Err
	}
	return p.Records(), nil
}

// Records is Normalize for callers that tolerate error envelopes as empty,
// such as nested cells read back from a sink.
func Records(raw []byte) []models.Record {
	return Decode(raw).Records()
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseAPIError accepts both {"error":{"code":..,"message":..}} and
// {"error":<code>,"message":..}.
func parseAPIError(v json.RawMessage, members []member) *APIError {
	apiErr := &APIError{}

	if inner, err := objectMembers(v); err == nil {
		if c, ok := lookup(inner, "code"); ok {
			apiErr.Code = scalarText(c)
		}
		if m, ok := lookup(inner, "message"); ok {
			apiErr.Message = scalarText(m)
		}
		return apiErr
	}

	apiErr.Code = scalarText(v)
	if m, ok := lookup(members, "message"); ok {
		apiErr.Message = scalarText(m)
	}
	return apiErr
}

func scalarText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
