package formatter

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
)

// WriteJSONL writes each element of items as one JSON object per line.
// items must be a slice or array; a nil slice writes nothing.
func WriteJSONL(w io.Writer, items any) error {
	v := reflect.ValueOf(items)
	if !v.IsValid() {
		return nil
	}
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return fmt.Errorf("jsonl output needs a list, got %T", items)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false) // commands and paths may contain < > &
	for i := 0; i < v.Len(); i++ {
		if err := enc.Encode(v.Index(i).Interface()); err != nil {
			return fmt.Errorf("encode item %d: %w", i, err)
		}
	}
	return nil
}

// isList reports whether v renders as several JSONL lines.
func isList(v any) bool {
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
