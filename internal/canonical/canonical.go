// Package canonical produces the byte-stable encoding a receipt is
// hashed and signed over.
//
// The encoding is UTF-8 JSON with lexicographically sorted map keys and
// no insignificant whitespace. The hash and signature fields are always
// excluded, as are the mutable lifecycle fields (retention state, legal
// hold, stored-at), so a retention transition can never change what a
// record hashes to. Numbers pass through as json.Number so no value is
// ever re-rendered in floating-point form. Timestamps are rendered at
// microsecond precision: that is the finest resolution that survives a
// round trip through timestamptz storage, so a record read back from
// the database hashes to the same bytes it was ingested with.
//
// Two views exist:
//
//   - Encode: everything hashable, including the chain linkage assigned
//     at ingestion (sequence_no, prev_hash). This is what Hash covers.
//   - EncodeContent: the producer-signable subset, excluding linkage.
//     Producers cannot know their sequence number or predecessor hash
//     before the ledger assigns them, so Signature and Merkle leaves
//     cover these bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/evidentry/evidentry/internal/receipt"
)

// Encode returns the canonical bytes covered by a receipt's hash:
// identity, scope, content, timestamp, linkage, and signer key id.
func Encode(r *receipt.Receipt) ([]byte, error) {
	fields := contentFields(r)
	fields["sequence_no"] = r.SequenceNo
	fields["prev_hash"] = r.PrevHash
	return Marshal(fields)
}

// EncodeContent returns the canonical bytes covered by the producer's
// signature and used as the receipt's Merkle leaf.
func EncodeContent(r *receipt.Receipt) ([]byte, error) {
	return Marshal(contentFields(r))
}

func contentFields(r *receipt.Receipt) map[string]any {
	fields := map[string]any{
		"receipt_id":    r.ReceiptID,
		"tenant_id":     r.TenantID,
		"chain_id":      r.ChainID,
		"plane":         r.Plane,
		"environment":   r.Environment,
		"emitter":       r.Emitter,
		"timestamp":     r.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		"event_date":    r.EventDate,
		"signer_key_id": r.SignerKeyID,
	}
	if r.Payload != nil {
		fields["payload"] = r.Payload
	}
	if r.Decision != "" {
		fields["decision"] = r.Decision
	}
	if r.Resource != "" {
		fields["resource"] = r.Resource
	}
	if r.ParentReceiptID != "" {
		fields["parent_receipt_id"] = r.ParentReceiptID
	}
	if len(r.RelatedReceiptIDs) > 0 {
		fields["related_receipt_ids"] = r.RelatedReceiptIDs
	}
	return fields
}

// Marshal renders v as canonical JSON: sorted keys, no whitespace,
// numbers written verbatim from json.Number or as exact integers.
// Deterministic across processes and releases for identical logical
// content; the stored hashes depend on this byte format never changing.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, val)
	case json.Number:
		buf.WriteString(val.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		// Integral floats (the default decoding of JSON integers) are
		// rendered without a fractional part so the same logical value
		// always produces the same bytes.
		if val == float64(int64(val)) {
			buf.WriteString(strconv.FormatInt(int64(val), 10))
			return nil
		}
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case []string:
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, s); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return writeObject(buf, val)
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeString delegates to encoding/json for escaping so the output
// stays valid JSON for any input string.
func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
