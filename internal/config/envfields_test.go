//nolint:testpackage // internal test needs access to unexported field list
package config

import (
	"reflect"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEnvFieldsCoverStructFields verifies that envFields contains every field
// of Config. This test will fail if a new field is added to a config struct
// but not to envFields.
func TestEnvFieldsCoverStructFields(t *testing.T) {
	expected := extractMapstructureFields(reflect.TypeFor[Config](), "")
	sort.Strings(expected)

	actual := make([]string, len(envFields))
	copy(actual, envFields)
	sort.Strings(actual)

	assert.Equal(t, expected, actual,
		"envFields must contain all fields from Config.\n"+
			"If you added a new field to a config struct, add it to envFields in config.go")
}

// extractMapstructureFields recursively extracts all mapstructure tag values from a struct type.
// For nested structs, it prefixes the field names with the parent's mapstructure tag (e.g., "storage.region").
func extractMapstructureFields(t reflect.Type, prefix string) []string {
	var fields []string

	for i := range t.NumField() {
		field := t.Field(i)

		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		fullName := tag
		if prefix != "" {
			fullName = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			fields = append(fields, extractMapstructureFields(field.Type, fullName)...)
		} else {
			fields = append(fields, fullName)
		}
	}

	return fields
}
