package export

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	ExportTypeFull         = "FULL"
	ExportTypeDifferential = "DIFFERENTIAL"
)

//go:embed schema/export_document.schema.json
var documentSchemaJSON []byte

// Section is one per-type partition of an export document. Count is carried
// redundantly next to the data list so downstream consumers can detect
// truncation or corruption.
type Section struct {
	Type  RecordType
	Count int
	Data  []Record
}

type Deletions struct {
	Count     int
	RecordIDs []string
}

// ExportDocument is the output artifact of one invocation. It is immutable
// after construction and never persisted by the engine; the advanced cursor
// rides along in memory for the post-delivery save but is not serialized.
type ExportDocument struct {
	ExportType string
	Timestamp  time.Time
	Sections   []Section
	Deletions  *Deletions
	Cursor     string

	encodeOnce sync.Once
	encoded    []byte
	encodeErr  error
}

// BuildFull assembles a full export document. Every tracked type gets a
// section even when it has no records.
func BuildFull(timestamp time.Time, types []RecordType, records map[RecordType][]Record, cursor string) *ExportDocument {
	return &ExportDocument{
		ExportType: ExportTypeFull,
		Timestamp:  timestamp.UTC(),
		Sections:   buildSections(types, records, ""),
		Cursor:     cursor,
	}
}

// BuildDifferential assembles a differential export document. Each upserted
// record carries a change_type tag; deletions are a flat list of record ids.
func BuildDifferential(timestamp time.Time, types []RecordType, upserts map[RecordType][]Record, deletions []string, cursor string) *ExportDocument {
	ids := append([]string(nil), deletions...)
	sort.Strings(ids)
	return &ExportDocument{
		ExportType: ExportTypeDifferential,
		Timestamp:  timestamp.UTC(),
		Sections:   buildSections(types, upserts, ChangeTypeUpsert),
		Deletions:  &Deletions{Count: len(ids), RecordIDs: ids},
		Cursor:     cursor,
	}
}

func buildSections(types []RecordType, records map[RecordType][]Record, changeType string) []Section {
	ordered := append([]RecordType(nil), types...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	sections := make([]Section, 0, len(ordered))
	for _, rt := range ordered {
		data := make([]Record, 0, len(records[rt]))
		for _, rec := range records[rt] {
			if changeType != "" {
				rec = rec.Clone()
				rec[FieldChangeType] = String(changeType)
			}
			data = append(data, rec)
		}
		sort.Slice(data, func(i, j int) bool { return data[i].ID() < data[j].ID() })
		sections = append(sections, Section{Type: rt, Count: len(data), Data: data})
	}
	return sections
}

// RecordCount sums section counts across the whole document.
func (d *ExportDocument) RecordCount() int {
	total := 0
	for _, section := range d.Sections {
		total += section.Count
	}
	return total
}

// SectionKey is the serialized partition key for a type: "<type>_records" on
// full documents, "<type>_changes" on differential ones.
func (d *ExportDocument) SectionKey(rt RecordType) string {
	if d.ExportType == ExportTypeDifferential {
		return string(rt) + "_changes"
	}
	return string(rt) + "_records"
}

// MarshalJSON writes the stable wire shape: export_type and timestamp first,
// then one partition per type in sorted order, then deletions.
func (d *ExportDocument) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"export_type":`)
	writeJSONString(&buf, d.ExportType)
	buf.WriteString(`,"timestamp":`)
	writeJSONString(&buf, d.Timestamp.UTC().Format(time.RFC3339))
	for _, section := range d.Sections {
		buf.WriteByte(',')
		writeJSONString(&buf, d.SectionKey(section.Type))
		buf.WriteString(`:{"count":`)
		buf.WriteString(strconv.Itoa(section.Count))
		buf.WriteString(`,"data":[`)
		for i, rec := range section.Data {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeRecord(&buf, rec); err != nil {
				return nil, err
			}
		}
		buf.WriteString(`]}`)
	}
	if d.Deletions != nil {
		buf.WriteString(`,"deletions":{"count":`)
		buf.WriteString(strconv.Itoa(d.Deletions.Count))
		buf.WriteString(`,"record_ids":[`)
		for i, id := range d.Deletions.RecordIDs {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(&buf, id)
		}
		buf.WriteString(`]}`)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Encode serializes the document and checks it against the embedded schema.
// A violation means the builder produced a malformed document and fails the
// run before anything reaches the sink.
func (d *ExportDocument) Encode() ([]byte, error) {
	d.encodeOnce.Do(func() {
		data, err := d.MarshalJSON()
		if err != nil {
			d.encodeErr = err
			return
		}
		if err := validateDocumentBytes(data); err != nil {
			d.encodeErr = fmt.Errorf("export document failed schema validation: %w", err)
			return
		}
		d.encoded = data
	})
	return d.encoded, d.encodeErr
}

func writeRecord(buf *bytes.Buffer, rec Record) error {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, k)
		buf.WriteByte(':')
		if err := writeValue(buf, rec[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	switch v.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		writeJSONString(buf, v.StringVal())
	case KindFloat:
		data, err := json.Marshal(v.FloatVal())
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.IntVal(), 10))
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.BoolVal()))
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.ListVal() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		obj := v.ObjectVal()
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, obj[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: value kind %d", ErrInvalidInput, v.Kind())
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	data, _ := json.Marshal(s)
	buf.Write(data)
}

var (
	documentSchemaOnce sync.Once
	documentSchema     *jsonschema.Schema
	documentSchemaErr  error
)

func compiledDocumentSchema() (*jsonschema.Schema, error) {
	documentSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentSchemaJSON))
		if err != nil {
			documentSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("export_document.schema.json", doc); err != nil {
			documentSchemaErr = err
			return
		}
		documentSchema, documentSchemaErr = compiler.Compile("export_document.schema.json")
	})
	return documentSchema, documentSchemaErr
}

func validateDocumentBytes(data []byte) error {
	schema, err := compiledDocumentSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
