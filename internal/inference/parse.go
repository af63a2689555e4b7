package inference

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// ParseAssignments extracts tab assignments from a model response.
//
// Accepted shapes:
//
//	[{"tabId": 1, "groupName": "Work"}, ...]
//	{"Work": [1, 2], "News": [3]}
//	{"1": "Work", "2": null}
//	{"assignments": <any of the above>}
//
// The JSON may be wrapped in a fenced code block or surrounded by prose, and
// may use JSON5 leniencies (comments, trailing commas, unquoted keys, single
// quoted strings). Prose that itself contains brackets is skipped: every
// opening bracket is tried in turn until one yields assignments.
func ParseAssignments(text string) ([]Assignment, error) {
	spans := candidateSpans(text)
	if len(spans) == 0 {
		return nil, fmt.Errorf("%w: no JSON found", ErrInvalidOutput)
	}
	var firstErr error
	for _, span := range spans {
		out, err := parseSpan(span)
		if err == nil {
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func parseSpan(body string) ([]Assignment, error) {
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		if err5 := json5.Unmarshal([]byte(body), &v); err5 != nil {
			if err5 = json5.Unmarshal([]byte(doubleQuote(body)), &v); err5 != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err5)
			}
		}
	}
	return fromValue(v, 0)
}

// maxCandidates bounds how many bracket positions are tried per response.
const maxCandidates = 32

// candidateSpans lists balanced spans starting at each '[' or '{', those
// inside a fenced code block first.
func candidateSpans(s string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(text string) {
		for i := 0; i < len(text) && len(out) < maxCandidates; i++ {
			if text[i] != '[' && text[i] != '{' {
				continue
			}
			span := balancedSpan(text[i:])
			if span != "" && !seen[span] {
				seen[span] = true
				out = append(out, span)
			}
		}
	}
	if start := strings.Index(s, "```"); start >= 0 {
		inner := s[start+3:]
		// Skip an optional language tag on the fence line.
		if nl := strings.IndexByte(inner, '\n'); nl >= 0 && !strings.ContainsAny(inner[:nl], "[{") {
			inner = inner[nl+1:]
		}
		if end := strings.Index(inner, "```"); end >= 0 {
			inner = inner[:end]
		}
		add(inner)
	}
	add(s)
	return out
}

// doubleQuote rewrites single quoted strings as double quoted ones, which
// the json5 decoder does not accept.
func doubleQuote(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
			b.WriteByte('"')
		case quote == 0 && c == '/' && i+1 < len(s) && (s[i+1] == '/' || s[i+1] == '*'):
			// Copy comments through untouched.
			end := len(s)
			if s[i+1] == '/' {
				if nl := strings.IndexByte(s[i:], '\n'); nl >= 0 {
					end = i + nl
				}
			} else if j := strings.Index(s[i+2:], "*/"); j >= 0 {
				end = i + 2 + j + 2
			}
			b.WriteString(s[i:end])
			i = end - 1
		case quote == 0:
			b.WriteByte(c)
		case c == '\\' && i+1 < len(s):
			if quote == '\'' && s[i+1] == '\'' {
				b.WriteByte('\'')
			} else {
				b.WriteByte(c)
				b.WriteByte(s[i+1])
			}
			i++
		case c == quote:
			quote = 0
			b.WriteByte('"')
		case c == '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// balancedSpan scans from the first '[' or '{' to its matching bracket,
// skipping string literals and comments. If the input ends first, the rest
// of the input is returned and left to the parser to reject.
func balancedSpan(s string) string {
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	depth := 0
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '/':
			if i+1 < len(s) && s[i+1] == '/' {
				if nl := strings.IndexByte(s[i:], '\n'); nl >= 0 {
					i += nl
				} else {
					i = len(s)
				}
			} else if i+1 < len(s) && s[i+1] == '*' {
				if end := strings.Index(s[i+2:], "*/"); end >= 0 {
					i += end + 3
				} else {
					i = len(s)
				}
			}
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

const maxWrapperDepth = 3

func fromValue(v any, depth int) ([]Assignment, error) {
	switch val := v.(type) {
	case []any:
		return fromArray(val)
	case map[string]any:
		return fromObject(val, depth)
	default:
		return nil, fmt.Errorf("%w: unexpected top-level %T", ErrInvalidOutput, v)
	}
}

var (
	tabIDKeys     = []string{"tabId", "tab_id", "tabID", "id", "tab"}
	groupNameKeys = []string{"groupName", "group_name", "group", "name"}
)

func fromArray(items []any) ([]Assignment, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var out []Assignment
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, ok := lookupID(obj)
		if !ok {
			continue
		}
		name, _ := lookupName(obj)
		out = append(out, Assignment{TabID: id, GroupName: name})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable assignments in array", ErrInvalidOutput)
	}
	return out, nil
}

func fromObject(obj map[string]any, depth int) ([]Assignment, error) {
	if len(obj) == 0 {
		return nil, nil
	}

	// Single-key wrapper such as {"assignments": [...]} or {"groups": {...}}.
	if len(obj) == 1 && depth < maxWrapperDepth {
		for key, inner := range obj {
			if isWrapper(key, inner) {
				return fromValue(inner, depth+1)
			}
		}
	}

	if out, ok := fromTabKeyed(obj); ok {
		return out, nil
	}

	// Group name → tab id list.
	var out []Assignment
	for _, name := range sortedKeys(obj) {
		n := name
		switch ids := obj[name].(type) {
		case []any:
			for _, raw := range ids {
				if id, ok := toID(raw); ok {
					out = append(out, Assignment{TabID: id, GroupName: &n})
				}
			}
		default:
			if id, ok := toID(ids); ok {
				out = append(out, Assignment{TabID: id, GroupName: &n})
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: object has no tab ids", ErrInvalidOutput)
	}
	return out, nil
}

// isWrapper reports whether inner looks like a nested result rather than a
// list of tab ids for a group called key.
func isWrapper(key string, inner any) bool {
	switch val := inner.(type) {
	case map[string]any:
		return true
	case []any:
		if len(val) == 0 {
			return false
		}
		_, isObj := val[0].(map[string]any)
		return isObj
	}
	return false
}

// fromTabKeyed handles {"<tabId>": "<groupName>"|null}. Every key must be
// a tab id and every value a string or null.
func fromTabKeyed(obj map[string]any) ([]Assignment, bool) {
	var out []Assignment
	for _, key := range sortedKeys(obj) {
		id, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, false
		}
		switch val := obj[key].(type) {
		case nil:
			out = append(out, Assignment{TabID: id})
		case string:
			s := val
			out = append(out, Assignment{TabID: id, GroupName: &s})
		default:
			return nil, false
		}
	}
	return out, true
}

func lookupID(obj map[string]any) (int, bool) {
	for _, k := range tabIDKeys {
		if raw, ok := obj[k]; ok {
			return toID(raw)
		}
	}
	return 0, false
}

func lookupName(obj map[string]any) (*string, bool) {
	for _, k := range groupNameKeys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		if s, ok := raw.(string); ok {
			return &s, true
		}
		return nil, true
	}
	return nil, false
}

func toID(raw any) (int, bool) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// sortedKeys orders keys numerically when both are integers, otherwise
// lexically, so results do not depend on map iteration order.
func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}
