// Package normalizer turns a raw Poster response body into a list of records.
//
// The upstream API is inconsistent about its envelope: a page may be a list,
// an object with a "data" list, an id->record object, or a scalar sentinel
// (0, false, null) meaning "nothing here". Decode classifies a body into one
// of a closed set of payload shapes; nothing past this package looks at an
// untyped decoded value.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/tejusbharadwaj/posterflow/internal/models"
)

// Kind identifies a payload shape.
type Kind int

const (
	KindEmpty Kind = iota
	KindError
	KindList
	KindData
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindList:
		return "list"
	case KindData:
		return "data"
	case KindMap:
		return "map"
	default:
		return "empty"
	}
}

// Payload is one of Empty, ErrorEnvelope, ListPayload, DataEnvelope or MapPayload.
type Payload interface {
	Kind() Kind
	Records() []models.Record
	sealed()
}

// Empty covers sentinels (0, false, null), strings and anything unrecognised.
type Empty struct{}

// ErrorEnvelope is a {"error": ...} body.
type ErrorEnvelope struct {
	Err *APIError
}

// ListPayload is a bare JSON array. Non-object elements are dropped.
type ListPayload struct {
	Items []models.Record
}

// DataEnvelope is an object carrying its records under "data".
type DataEnvelope struct {
	Items []models.Record
}

// MapPayload is an object used as an ordered id->record collection.
type MapPayload struct {
	Items []models.Record
}

func (Empty) Kind() Kind         { return KindEmpty }
func (ErrorEnvelope) Kind() Kind { return KindError }
func (ListPayload) Kind() Kind   { return KindList }
func (DataEnvelope) Kind() Kind  { return KindData }
func (MapPayload) Kind() Kind    { return KindMap }

func (Empty) Records() []models.Record          { return []models.Record{} }
func (ErrorEnvelope) Records() []models.Record  { return []models.Record{} }
func (p ListPayload) Records() []models.Record  { return nonNil(p.Items) }
func (p DataEnvelope) Records() []models.Record { return nonNil(p.Items) }
func (p MapPayload) Records() []models.Record   { return nonNil(p.Items) }
func (Empty) sealed()                           {}
func (ErrorEnvelope) sealed()                   {}
func (ListPayload) sealed()                     {}
func (DataEnvelope) sealed()                    {}
func (MapPayload) sealed()                      {}

func nonNil(items []models.Record) []models.Record {
	if items == nil {
		return []models.Record{}
	}
	return items
}

type member struct {
	key   string
	value json.RawMessage
}

var errNotObject = errors.New("not a JSON object")

// objectMembers returns the members of a JSON object in document order.
func objectMembers(raw []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errNotObject
	}

	var members []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errNotObject
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		members = append(members, member{key: key, value: value})
	}
	return members, nil
}

func lookup(members []member, key string) (json.RawMessage, bool) {
	for _, m := range members {
		if m.key == key {
			return m.value, true
		}
	}
	return nil, false
}

// decodeRecord decodes an object into a Record, keeping numbers as json.Number.
func decodeRecord(raw []byte) (models.Record, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec models.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, false
	}
	return rec, true
}

// decodeList decodes a JSON array, skipping elements that are not objects.
// Anything other than an array yields nil.
func decodeList(raw []byte) []models.Record {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	items := make([]models.Record, 0, len(elems))
	for _, e := range elems {
		if rec, ok := decodeRecord(e); ok {
			items = append(items, rec)
		}
	}
	return items
}
