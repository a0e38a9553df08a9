package identity

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"msg_relay/server/relay/domain"
)

const maxDepth = 4

// Normalize reduces the shapes a client or store may use for a user id to the
// canonical string form. It never panics; ok is false when nothing usable is
// found.
func Normalize(input any) (domain.UserID, bool) {
	id, ok := normalize(input, 0)
	if !ok {
		return "", false
	}
	return domain.UserID(id), true
}

// MustNormalize is Normalize returning domain.ErrInvalidIdentity on failure.
func MustNormalize(input any) (domain.UserID, error) {
	id, ok := Normalize(input)
	if !ok {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidIdentity, describe(input))
	}
	return id, nil
}

func normalize(input any, depth int) (string, bool) {
	if depth > maxDepth {
		return "", false
	}
	switch v := input.(type) {
	case nil:
		return "", false
	case domain.UserID:
		return trimmed(string(v))
	case string:
		return trimmed(v)
	case []byte:
		return fromRaw(v, depth)
	case json.RawMessage:
		return fromRaw(v, depth)
	case json.Number:
		return trimmed(v.String())
	case primitive.ObjectID:
		if v.IsZero() {
			return "", false
		}
		return v.Hex(), true
	case map[string]any:
		return fromObject(v, depth)
	case map[string]string:
		obj := make(map[string]any, len(v))
		for k, s := range v {
			obj[k] = s
		}
		return fromObject(obj, depth)
	case fmt.Stringer:
		return trimmed(safeString(v))
	case float64:
		return fromFloat(v)
	case float32:
		return fromFloat(float64(v))
	case int:
		return strconv.Itoa(v), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	default:
		return "", false
	}
}

func trimmed(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}

func fromFloat(f float64) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10), true
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

func fromRaw(raw []byte, depth int) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var decoded any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return "", false
	}
	return normalize(decoded, depth+1)
}

// fromObject prefers _id, then id, then the first key (sorted) whose name
// contains "id". {"$oid": "..."} is the extended-JSON form of a Mongo ObjectID.
func fromObject(obj map[string]any, depth int) (string, bool) {
	for _, key := range []string{"$oid", "_id", "id"} {
		if v, ok := obj[key]; ok {
			if id, ok := normalize(v, depth+1); ok {
				return id, true
			}
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		if strings.Contains(strings.ToLower(k), "id") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := obj[k].(string); ok {
			if id, ok := trimmed(s); ok {
				return id, true
			}
		}
	}
	return "", false
}

func safeString(s fmt.Stringer) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()
	return s.String()
}

func describe(input any) string {
	if input == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", input)
}
