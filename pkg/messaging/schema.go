package messaging

import (
	"errors"
	"fmt"
	"sort"

	"github.com/entrhq/webscience/pkg/types"
	"github.com/tidwall/gjson"
)

// FieldKind is the JSON kind a message field must have.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
	KindObject  FieldKind = "object"
	KindArray   FieldKind = "array"
)

// Schema maps gjson paths to the kind each must have. Every listed field is
// required.
type Schema map[string]FieldKind

// ErrSchemaViolation matches every SchemaViolation via errors.Is.
var ErrSchemaViolation = errors.New("message schema violation")

// SchemaViolation reports a message field that is missing or has the wrong kind.
type SchemaViolation struct {
	Type  string
	Field string
	Want  FieldKind
	Got   string
}

func (v *SchemaViolation) Error() string {
	if v.Got == "" {
		return fmt.Sprintf("message %s: missing field %q (want %s)", v.Type, v.Field, v.Want)
	}
	return fmt.Sprintf("message %s: field %q is %s, want %s", v.Type, v.Field, v.Got, v.Want)
}

// Is makes errors.Is(err, ErrSchemaViolation) true.
func (v *SchemaViolation) Is(target error) bool {
	return target == ErrSchemaViolation
}

// Validate checks raw against the schema without decoding it. Fields are
// checked in sorted order so the reported violation is deterministic.
func (s Schema) Validate(msgType string, raw []byte) error {
	fields := make([]string, 0, len(s))
	for f := range s {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		want := s[field]
		res := gjson.GetBytes(raw, field)
		if !res.Exists() {
			return &SchemaViolation{Type: msgType, Field: field, Want: want}
		}
		if got := kindOf(res); got != want {
			return &SchemaViolation{Type: msgType, Field: field, Want: want, Got: string(got)}
		}
	}
	return nil
}

func kindOf(res gjson.Result) FieldKind {
	switch res.Type {
	case gjson.String:
		return KindString
	case gjson.Number:
		return KindNumber
	case gjson.True, gjson.False:
		return KindBoolean
	case gjson.JSON:
		if res.IsArray() {
			return KindArray
		}
		return KindObject
	}
	return "null"
}

// MessageTypes holds the schemas of the messages content scripts send.
var MessageTypes = map[string]Schema{
	types.MessageTypePageVisitStart: {
		"pageId":        KindString,
		"url":           KindString,
		"referrer":      KindString,
		"timeStamp":     KindNumber,
		"privateWindow": KindBoolean,
	},
	types.MessageTypePageVisitStop: {
		"pageId":    KindString,
		"timeStamp": KindNumber,
	},
	types.MessageTypeScrollDepthUpdate: {
		"pageId":                 KindString,
		"maxRelativeScrollDepth": KindNumber,
	},
	types.MessageTypeLinkExposureUpdate: {
		"pageId": KindString,
		"url":    KindString,
		"links":  KindArray,
	},
}

// SchemaFor returns the registered schema of msgType.
func SchemaFor(msgType string) (Schema, bool) {
	s, ok := MessageTypes[msgType]
	return s, ok
}
