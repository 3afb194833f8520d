// Package activitypub implements the ActivityStreams document model used by
// the federation engine: accessor helpers over the generic JSON value, the
// actor/note/activity "views" projected from it, and the constructors that
// build canonical outgoing documents.
//
// Documents are never modelled as fixed structs. The protocol allows
// arbitrary extension fields and unknown types must round-trip through the
// object store unchanged, so the canonical representation is always
// map[string]interface{} as produced by encoding/json. Structs in this
// package (Actor, Note, Activity) are read-only views projected out of that
// map; nothing in the store ever holds only the view.
package activitypub

import "strings"

// DefaultContext is the JSON-LD @context emitted by every locally authored
// document.
var DefaultContext = []interface{}{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// PublicURI is the ActivityStreams magic addressee representing "everyone".
const PublicURI = "https://www.w3.org/ns/activitystreams#Public"

// Doc is shorthand for the wire representation of any ActivityStreams object
// or activity: an arbitrary JSON object.
type Doc = map[string]interface{}

// WithContext sets "@context" to DefaultContext on doc in place, unless the
// document already declares one, and returns the same map.
func WithContext(doc Doc) Doc {
	if _, ok := doc["@context"]; ok {
		return doc
	}
	doc["@context"] = DefaultContext
	return doc
}

func getString(m Doc, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getBool(m Doc, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func getInt(m Doc, key string) int {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return 0
}

func getMap(m Doc, key string) Doc {
	if v, ok := m[key]; ok {
		if d, ok := v.(Doc); ok {
			return d
		}
	}
	return nil
}

func getList(m Doc, key string) []interface{} {
	if v, ok := m[key]; ok {
		if l, ok := v.([]interface{}); ok {
			return l
		}
	}
	return nil
}

// getStringOrArray normalizes a field that the ActivityStreams spec allows to
// be either a bare string or a list of strings (to, cc, attributedTo, ...).
func getStringOrArray(m Doc, key string) []string {
	switch v := m[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ObjectID returns the id of a field that may be a bare string id or an
// embedded object carrying its own "id". Used for "object", "target",
// "inReplyTo" and similar fields that the wire format allows to be either.
func ObjectID(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case Doc:
		return getString(t, "id")
	case map[string]interface{}:
		return getString(t, "id")
	}
	return ""
}

// EmbeddedObject returns the embedded object document for a field, or nil if
// the field is a bare string id (or absent).
func EmbeddedObject(v interface{}) Doc {
	if d, ok := v.(Doc); ok {
		return d
	}
	if d, ok := v.(map[string]interface{}); ok {
		return d
	}
	return nil
}

// AttributedTo returns the actor URL attributed as a note's author. The
// field may legally be a list; per the data model, the first Person-shaped
// entry wins (plain string entries are assumed to be a Person reference).
func AttributedTo(m Doc) string {
	switch v := m["attributedTo"].(type) {
	case string:
		return v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				return s
			}
			if d, ok := item.(Doc); ok && getString(d, "type") == "Person" && getString(d, "id") != "" {
				return getString(d, "id")
			}
		}
	}
	return ""
}

// IsActorType reports whether an ActivityStreams "type" value names an actor.
func IsActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// HasPublic reports whether PublicURI appears among to/cc-like string lists.
func HasPublic(ids []string) bool {
	for _, id := range ids {
		if id == PublicURI {
			return true
		}
	}
	return false
}

// IsLocalID reports whether an ActivityPub id belongs to the given base URL.
func IsLocalID(id, base string) bool {
	base = strings.TrimRight(base, "/")
	return id == base || strings.HasPrefix(id, base+"/")
}
