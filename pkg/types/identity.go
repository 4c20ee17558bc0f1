// Package types defines the shared domain types of the Tidemark commit core:
// logical schemas, table identities, partition descriptors, and file
// operations exchanged between writers, the commit coordinator, and the
// version ledger.
package types

import (
	"fmt"
	"sort"
	"strings"
)

// NonPartitionedDesc is the sentinel partition descriptor used for tables
// that declare no range keys. Every version of such a table lives under this
// single descriptor.
const NonPartitionedDesc = "-5"

// TableIdentity binds a table name to its namespace and storage location.
// Identity is immutable once the table has been created.
type TableIdentity struct {
	// Namespace is the logical database/schema the table belongs to.
	Namespace string `json:"namespace"`

	// Name is the table name, unique within the namespace.
	Name string `json:"name"`

	// Location is the storage URI holding the table's data files.
	Location string `json:"location"`
}

// String returns the qualified table name.
func (t TableIdentity) String() string {
	return t.Namespace + "." + t.Name
}

// EncodePartitionDesc builds the deterministic string descriptor for a set of
// range-key values. Keys are sorted so the encoding does not depend on map
// iteration order. Tables without range keys map to NonPartitionedDesc.
func EncodePartitionDesc(values map[string]string) string {
	if len(values) == 0 {
		return NonPartitionedDesc
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, values[k]))
	}
	return strings.Join(parts, ",")
}

// DecodePartitionDesc parses a partition descriptor back into range-key
// values. The sentinel descriptor decodes to an empty map.
func DecodePartitionDesc(desc string) (map[string]string, error) {
	values := make(map[string]string)
	if desc == NonPartitionedDesc || desc == "" {
		return values, nil
	}
	for _, part := range strings.Split(desc, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("types: malformed partition descriptor %q", desc)
		}
		values[kv[0]] = kv[1]
	}
	return values, nil
}
