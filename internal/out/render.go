package out

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ggonzalez94/contraparty/internal/config"
	"github.com/ggonzalez94/contraparty/internal/model"
)

// Render writes env in the configured output mode. --select keeps only the
// named fields of the data; a dotted name such as from_token.symbol reaches
// into nested objects.
func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := normalizeValue(env.Data)
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.OutputMode == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if settings.ResultsOnly {
			return enc.Encode(data)
		}
		env.Data = data
		return enc.Encode(env)
	}

	if settings.ResultsOnly {
		return renderPlain(w, data)
	}
	plain := map[string]any{
		"success": env.Success,
		"data":    data,
		"meta":    normalizeValue(env.Meta),
	}
	if len(env.Warnings) > 0 {
		plain["warnings"] = env.Warnings
	}
	if env.Error != nil {
		plain["error"] = normalizeValue(env.Error)
	}
	return renderPlain(w, plain)
}

// renderPlain prints one key=value line per object, with nested keys
// flattened. A list prints one line per element.
func renderPlain(w io.Writer, data any) error {
	items, ok := data.([]any)
	if !ok {
		_, err := fmt.Fprintln(w, toLine(data))
		return err
	}
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "[]")
		return err
	}
	for _, item := range items {
		if _, err := fmt.Fprintln(w, toLine(item)); err != nil {
			return err
		}
	}
	return nil
}

func project(data any, fields []string) any {
	switch t := data.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, projectMap(m, fields))
			}
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return data
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookup(m, f); ok {
			out[f] = v
		}
	}
	return out
}

func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// normalizeValue turns typed payloads into plain maps and slices. Numbers
// stay json.Number so large integers survive.
func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}

func toLine(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return scalar(v)
	}
	flat := map[string]string{}
	flatten("", m, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+flat[k])
	}
	return strings.Join(parts, " ")
}

func flatten(prefix string, v any, into map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			flatten(join(prefix, k), child, into)
		}
	case []any:
		if allScalars(t) {
			vals := make([]string, 0, len(t))
			for _, item := range t {
				vals = append(vals, scalar(item))
			}
			into[prefix] = strings.Join(vals, ",")
			return
		}
		for i, item := range t {
			flatten(join(prefix, strconv.Itoa(i)), item, into)
		}
	default:
		into[prefix] = scalar(t)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func allScalars(items []any) bool {
	for _, item := range items {
		switch item.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		if t == "" || strings.ContainsAny(t, " \t") {
			return strconv.Quote(t)
		}
		return t
	case map[string]any, []any:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(buf)
	default:
		return fmt.Sprint(t)
	}
}
