package rag

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// SupportedExtensions lists the document formats ExtractText accepts.
var SupportedExtensions = []string{".txt", ".md", ".json", ".csv"}

// IsSupported reports whether the file name has an indexable extension.
func IsSupported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// ExtractText converts raw document bytes to indexable plain text based on
// the file extension. Unknown extensions return ErrUnsupportedFormat.
func ExtractText(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md":
		if !utf8.Valid(data) {
			return "", fmt.Errorf("rag: extract %s: invalid UTF-8", name)
		}
		return string(data), nil
	case ".json":
		return extractJSON(name, data)
	case ".csv":
		return extractCSV(name, data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

// extractJSON flattens a JSON document to its scalar values, one per line,
// walking objects and arrays depth first with keys as prefixes.
func extractJSON(name string, data []byte) (string, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("rag: extract %s: %w", name, err)
	}
	var b strings.Builder
	flattenJSON(&b, "", v)
	return b.String(), nil
}

func flattenJSON(b *strings.Builder, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenJSON(b, p, t[k])
		}
	case []any:
		for _, child := range t {
			flattenJSON(b, prefix, child)
		}
	case nil:
		// skip
	default:
		if prefix != "" {
			fmt.Fprintf(b, "%s: %v\n", prefix, t)
		} else {
			fmt.Fprintf(b, "%v\n", t)
		}
	}
}

// extractCSV renders each record as a comma-joined line. The first record is
// kept as-is; it usually carries the column names, which are useful context
// for retrieval.
func extractCSV(name string, data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	var b strings.Builder
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("rag: extract %s: %w", name, err)
		}
		b.WriteString(strings.Join(record, ", "))
		b.WriteByte('\n')
	}
	return b.String(), nil
}
