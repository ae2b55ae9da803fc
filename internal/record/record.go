// Package record defines the log record passed from the decoder to the sink.
package record

import (
	"reflect"
	"strings"
	"time"
)

// Kind identifies which event family a record belongs to. The broker routes
// submitted messages, SMSC acknowledgments, and delivery receipts under
// distinct routing key prefixes, and the sink applies a different update for
// each.
type Kind string

const (
	KindSubmit     Kind = "submit"
	KindSubmitResp Kind = "submit_resp"
	KindDLR        Kind = "dlr"
)

// LogRecord is one decoded event, immutable once built. MessageID is the
// broker-assigned message identifier and stays stable across redeliveries of
// the same physical message, so the sink can upsert instead of blindly
// inserting.
type LogRecord struct {
	MessageID  string
	Kind       Kind
	ReceivedAt time.Time

	// Document is the sanitized payload written to the log collection. Its
	// shape depends on Kind: the full message document for submits, an ack
	// sub-document for responses, and a single receipt entry for DLRs.
	Document map[string]any

	// UserID and UserUpdate carry the quota balance update extracted from a
	// submit's billing data. Both are empty when the event carried no bill.
	UserID     string
	UserUpdate map[string]any
}

// Sanitize rewrites a document so MongoDB accepts it: keys containing `$`,
// `.` or `-` are rewritten, and nil values become the string "None". Nested
// maps and slices are handled recursively. The input is not modified.
func Sanitize(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[sanitizeKey(k)] = sanitizeValue(v)
	}
	return out
}

// sanitizeKey neutralizes operator-looking keys: a key starting with `$` has
// every `$` rewritten; `$` elsewhere is harmless and kept. Dots and dashes
// always become underscores.
func sanitizeKey(k string) string {
	if strings.HasPrefix(k, "$") {
		k = strings.ReplaceAll(k, "$", "dollar_")
	}
	k = strings.ReplaceAll(k, ".", "_")
	return strings.ReplaceAll(k, "-", "_")
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return "None"
	case map[string]any:
		return Sanitize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case string, []byte:
		return v
	}

	// Named map and slice types (broker header tables nest them) carry the
	// same hazards as their plain counterparts.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[sanitizeKey(iter.Key().String())] = sanitizeValue(iter.Value().Interface())
			}
			return out
		}
	case reflect.Slice:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = sanitizeValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}
