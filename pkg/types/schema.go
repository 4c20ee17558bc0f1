package types

// DataType is the logical type of a schema field.
type DataType string

const (
	TypeBool      DataType = "bool"
	TypeInt8      DataType = "int8"
	TypeInt16     DataType = "int16"
	TypeInt32     DataType = "int32"
	TypeInt64     DataType = "int64"
	TypeFloat32   DataType = "float32"
	TypeFloat64   DataType = "float64"
	TypeString    DataType = "string"
	TypeBinary    DataType = "binary"
	TypeDate      DataType = "date"
	TypeTimestamp DataType = "timestamp"
)

// Field defines a single field in a logical table schema.
type Field struct {
	// Name is the field name
	Name string `json:"name"`

	// Type is the logical data type
	Type DataType `json:"type"`

	// Nullable indicates whether the field can contain NULL values
	Nullable bool `json:"nullable"`

	// Dropped marks a field as logically dropped: it stays in the schema so
	// readers of older partition versions can still resolve it, but writers
	// no longer produce it.
	Dropped bool `json:"dropped,omitempty"`
}

// Schema defines the logical structure of a table.
type Schema struct {
	Fields []Field `json:"fields"`
}

// Field returns the field with the given name and whether it exists.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// HasField reports whether a field with the given name exists.
func (s Schema) HasField(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// ActiveFields returns the fields that have not been logically dropped.
func (s Schema) ActiveFields() []Field {
	active := make([]Field, 0, len(s.Fields))
	for _, f := range s.Fields {
		if !f.Dropped {
			active = append(active, f)
		}
	}
	return active
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	fields := make([]Field, len(s.Fields))
	copy(fields, s.Fields)
	return Schema{Fields: fields}
}

// Equal compares two schemas field-set-wise: every field of s must exist in
// other with the same type, nullability, and drop marker, and vice versa.
// Field order is not significant.
func (s Schema) Equal(other Schema) bool {
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for _, f := range s.Fields {
		of, ok := other.Field(f.Name)
		if !ok {
			return false
		}
		if f.Type != of.Type || f.Nullable != of.Nullable || f.Dropped != of.Dropped {
			return false
		}
	}
	return true
}
