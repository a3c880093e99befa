// Package signature implements the JSON-signature validator: a
// recursive, depth-capped walk of a signature document against a JSON
// DOM, applying required/default/drop/role field semantics and
// optionally re-emitting canonical JSON honoring drops, per spec §4.8.
package signature

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/embedthis/webengine/pkg/werrors"
)

// maxDepth bounds recursion to protect the stack, per spec §4.8.
const maxDepth = 8

// BLOCK field type names.
const (
	TypeNull    = "null"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Tag selects which direction (query/request/response) a Block
// applies to, used by Drop's per-tag object form.
type Tag string

const (
	TagQuery    Tag = "query"
	TagRequest  Tag = "request"
	TagResponse Tag = "response"
)

// Drop holds the parsed form of a BLOCK's "drop" field: a bare bool, a
// role-name string, or a per-tag object of role names.
type Drop struct {
	Bool    *bool
	Role    string
	PerTag  map[Tag]string
}

// Block is one node of a signature document, decoded from the raw
// JSON into a typed tree once at load time.
type Block struct {
	Type     string
	Fields   map[string]*Block // type == object
	Wildcard *Block             // fields["*"], if declared
	Of       *Block             // type == array
	Required bool
	HasDefault bool
	Default  any
	Drop     *Drop
	Role     string
}

// Entry is one controller.method signature: optional request, request
// query, and response BLOCKs.
type Entry struct {
	Request      *Block
	RequestQuery *Block
	Response     *Block
}

// Document is the full signature file, keyed by "controller.method".
type Document map[string]*Entry

// AbilityCheck reports whether the current caller holds ability; wired
// to pkg/auth's role/ability closure by the host.
type AbilityCheck func(ability string) bool

// Options controls one validation pass.
type Options struct {
	Strict  bool
	Tag     Tag
	CanAct  AbilityCheck
}

// Load parses a signature document from raw JSON bytes.
func Load(raw []byte) (Document, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, werrors.Validation("signature.Load", "malformed signature document: "+err.Error())
	}
	doc := make(Document, len(root))
	for key, rawEntry := range root {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(rawEntry, &fields); err != nil {
			return nil, werrors.Validation("signature.Load", "malformed signature entry "+key+": "+err.Error())
		}
		entry := &Entry{}
		if rq, ok := fields["request"]; ok {
			b, err := parseBlock(rq, 1)
			if err != nil {
				return nil, err
			}
			entry.Request = b
		}
		if qb, ok := fields["query"]; ok {
			b, err := parseBlock(qb, 1)
			if err != nil {
				return nil, err
			}
			entry.RequestQuery = b
		}
		if rs, ok := fields["response"]; ok {
			b, err := parseBlock(rs, 1)
			if err != nil {
				return nil, err
			}
			entry.Response = b
		}
		doc[key] = entry
	}
	return doc, nil
}

func parseBlock(raw json.RawMessage, depth int) (*Block, error) {
	if depth > maxDepth {
		return nil, werrors.Validation("signature.parseBlock", "signature nesting exceeds maximum depth")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, werrors.Validation("signature.parseBlock", "malformed BLOCK: "+err.Error())
	}
	b := &Block{}
	if t, ok := m["type"]; ok {
		if err := json.Unmarshal(t, &b.Type); err != nil {
			return nil, werrors.Validation("signature.parseBlock", "BLOCK.type must be a string")
		}
	}
	switch b.Type {
	case TypeNull, TypeString, TypeNumber, TypeBoolean, TypeDate, TypeObject, TypeArray:
	default:
		return nil, werrors.Validation("signature.parseBlock", "unknown BLOCK.type "+b.Type)
	}

	if fieldsRaw, ok := m["fields"]; ok {
		var rawFields map[string]json.RawMessage
		if err := json.Unmarshal(fieldsRaw, &rawFields); err != nil {
			return nil, werrors.Validation("signature.parseBlock", "BLOCK.fields must be an object")
		}
		b.Fields = make(map[string]*Block, len(rawFields))
		for name, rf := range rawFields {
			child, err := parseBlock(rf, depth+1)
			if err != nil {
				return nil, err
			}
			if name == "*" {
				b.Wildcard = child
			}
			b.Fields[name] = child
		}
	}
	if ofRaw, ok := m["of"]; ok {
		child, err := parseBlock(ofRaw, depth+1)
		if err != nil {
			return nil, err
		}
		b.Of = child
	}
	if req, ok := m["required"]; ok {
		if err := json.Unmarshal(req, &b.Required); err != nil {
			return nil, werrors.Validation("signature.parseBlock", "BLOCK.required must be a bool")
		}
	}
	if def, ok := m["default"]; ok {
		var v any
		if err := json.Unmarshal(def, &v); err != nil {
			return nil, werrors.Validation("signature.parseBlock", "BLOCK.default is malformed")
		}
		b.Default = v
		b.HasDefault = true
	}
	if role, ok := m["role"]; ok {
		if err := json.Unmarshal(role, &b.Role); err != nil {
			return nil, werrors.Validation("signature.parseBlock", "BLOCK.role must be a string")
		}
	}
	if dropRaw, ok := m["drop"]; ok {
		d, err := parseDrop(dropRaw)
		if err != nil {
			return nil, err
		}
		b.Drop = d
	}
	return b, nil
}

func parseDrop(raw json.RawMessage) (*Drop, error) {
	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		return &Drop{Bool: &asBool}, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return &Drop{Role: asString}, nil
	}
	var asObject map[string]string
	if err := json.Unmarshal(raw, &asObject); err == nil {
		d := &Drop{PerTag: make(map[Tag]string)}
		for k, v := range asObject {
			d.PerTag[Tag(k)] = v
		}
		return d, nil
	}
	return nil, werrors.Validation("signature.parseDrop", "BLOCK.drop must be bool, string, or object")
}

// Validate walks value against b and returns the (possibly mutated —
// defaults inserted, dropped fields removed) value. opts.Tag selects
// which drop rule applies; opts.CanAct gates role-scoped fields.
func Validate(b *Block, value any, opts Options) (any, error) {
	return validateBlock(b, value, opts, 1)
}

func validateBlock(b *Block, value any, opts Options, depth int) (any, error) {
	if depth > maxDepth {
		return nil, werrors.Validation("signature.validateBlock", "value nesting exceeds maximum depth")
	}
	if b == nil {
		return value, nil
	}

	if b.Role != "" && opts.CanAct != nil && !opts.CanAct(b.Role) {
		return nil, nil // silently dropped by the caller (object loop skips nil)
	}

	if shouldDrop(b.Drop, opts.Tag) {
		return nil, nil
	}

	switch b.Type {
	case TypeObject:
		return validateObject(b, value, opts, depth)
	case TypeArray:
		return validateArray(b, value, opts, depth)
	case TypeNull:
		if value != nil {
			return nil, werrors.Validation("signature.validateBlock", "expected null")
		}
		return nil, nil
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, werrors.Validation("signature.validateBlock", "expected string")
		}
		return s, nil
	case TypeNumber:
		return validateNumber(value)
	case TypeBoolean:
		return validateBoolean(value)
	case TypeDate:
		return validateDate(value)
	default:
		return value, nil
	}
}

// tagLabel names the tag for an error message, defaulting to "request"
// when the caller left Options.Tag unset.
func tagLabel(tag Tag) string {
	if tag == "" {
		return string(TagRequest)
	}
	return string(tag)
}

func shouldDrop(d *Drop, tag Tag) bool {
	if d == nil {
		return false
	}
	if d.Bool != nil {
		return *d.Bool
	}
	if d.PerTag != nil {
		_, ok := d.PerTag[tag]
		return ok
	}
	return d.Role != ""
}

func validateObject(b *Block, value any, opts Options, depth int) (any, error) {
	in, ok := value.(map[string]any)
	if value == nil {
		in = map[string]any{}
	} else if !ok {
		return nil, werrors.Validation("signature.validateObject", "expected object")
	}

	out := make(map[string]any)

	for name, fb := range b.Fields {
		if name == "*" {
			continue
		}
		raw, present := in[name]
		if !present {
			if fb.HasDefault {
				out[name] = fb.Default
				continue
			}
			if fb.Required {
				return nil, werrors.Validation("signature.validateObject",
					fmt.Sprintf("Missing required %s field '%s'", tagLabel(opts.Tag), name))
			}
			continue
		}
		v, err := validateBlock(fb, raw, opts, depth+1)
		if err != nil {
			return nil, err
		}
		if v != nil || fb.Type == TypeNull {
			out[name] = v
		}
	}

	for name, raw := range in {
		if name == "*" {
			continue
		}
		if _, declared := b.Fields[name]; declared {
			continue
		}
		if b.Wildcard != nil {
			v, err := validateBlock(b.Wildcard, raw, opts, depth+1)
			if err != nil {
				return nil, err
			}
			if v != nil {
				out[name] = v
			}
			continue
		}
		if opts.Strict {
			return nil, werrors.Validation("signature.validateObject", "unknown field "+name)
		}
		// non-strict: silently drop the unknown field.
	}

	return out, nil
}

func validateArray(b *Block, value any, opts Options, depth int) (any, error) {
	if value == nil {
		return []any{}, nil
	}
	in, ok := value.([]any)
	if !ok {
		return nil, werrors.Validation("signature.validateArray", "expected array")
	}
	if b.Of == nil {
		return in, nil
	}
	out := make([]any, 0, len(in))
	for _, elem := range in {
		v, err := validateBlock(b.Of, elem, opts, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func validateNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, werrors.Validation("signature.validateNumber", "expected number")
		}
		return f, nil
	default:
		return nil, werrors.Validation("signature.validateNumber", "expected number")
	}
}

func validateBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return nil, werrors.Validation("signature.validateBoolean", "expected boolean")
}

func validateDate(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, werrors.Validation("signature.validateDate", "expected ISO-8601 date string")
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return s, nil
	}
	if _, err := time.Parse("2006-01-02", s); err == nil {
		return s, nil
	}
	return nil, werrors.Validation("signature.validateDate", "unparsable date "+s)
}

// Canonicalize re-emits value as canonical JSON (sorted object keys),
// honoring the drops already applied by Validate.
func Canonicalize(value any) ([]byte, error) {
	return canonicalMarshal(value)
}

func canonicalMarshal(value any) ([]byte, error) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			vb, err := canonicalMarshal(v[k])
			if err != nil {
				return nil, err
			}
			sb.Write(vb)
		}
		sb.WriteByte('}')
		return []byte(sb.String()), nil
	case []any:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			eb, err := canonicalMarshal(elem)
			if err != nil {
				return nil, err
			}
			sb.Write(eb)
		}
		sb.WriteByte(']')
		return []byte(sb.String()), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, werrors.Internal("signature.canonicalMarshal", fmt.Sprintf("marshaling %T", v), err)
		}
		return b, nil
	}
}
