// Package provenance labels values with their origin and tracks those labels
// through an execution, including across pause/resume boundaries.
//
// Tracking is best-effort taint propagation, not information-flow control.
// Objects are tracked by an identity id attached by the sandbox; primitives
// are tracked by a content digest scoped to the execution.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SourceType categorises where a value came from.
type SourceType string

const (
	SourceTool   SourceType = "tool"
	SourceLLM    SourceType = "llm"
	SourceUser   SourceType = "user"
	SourceSystem SourceType = "system"
)

// Source describes the producing operation.
type Source struct {
	Type      SourceType `json:"type"`
	Tool      string     `json:"tool,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Readers restricts who may observe a value. Public means unrestricted.
type Readers struct {
	Public bool     `json:"public"`
	IDs    []string `json:"ids,omitempty"`
}

// Metadata is a provenance label.
type Metadata struct {
	ID           string   `json:"id"`
	Source       Source   `json:"source"`
	Readers      Readers  `json:"readers"`
	Dependencies []string `json:"dependencies,omitempty"`
	Context      string   `json:"context,omitempty"`
}

// NewMetadata creates a label for a freshly produced value.
func NewMetadata(src Source) *Metadata {
	if src.Timestamp.IsZero() {
		src.Timestamp = time.Now()
	}
	return &Metadata{
		ID:      uuid.NewString(),
		Source:  src,
		Readers: Readers{Public: true},
	}
}

// Merge produces a label depending on all inputs. The dependency set is a
// DAG of metadata ids; duplicates (and therefore cycles) collapse via the
// visited set.
func Merge(src Source, inputs ...*Metadata) *Metadata {
	meta := NewMetadata(src)
	seen := make(map[string]bool)
	for _, in := range inputs {
		if in == nil || seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		meta.Dependencies = append(meta.Dependencies, in.ID)
		for _, dep := range in.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				meta.Dependencies = append(meta.Dependencies, dep)
			}
		}
		if !in.Readers.Public {
			meta.Readers.Public = false
			meta.Readers.IDs = unionIDs(meta.Readers.IDs, in.Readers.IDs)
		}
	}
	return meta
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// HasSourceType reports whether the label or any of its transitive inputs
// recorded in the scope originates from the given source type.
func (m *Metadata) HasSourceType(scope *Scope, t SourceType) bool {
	if m == nil {
		return false
	}
	if m.Source.Type == t {
		return true
	}
	for _, dep := range m.Dependencies {
		if dm := scope.byID(dep); dm != nil && dm.Source.Type == t {
			return true
		}
	}
	return false
}

// Stringify renders a primitive the way taint keys expect. Long values are
// replaced by their digest so keys stay bounded.
func Stringify(value any) string {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case bool:
		s = strconv.FormatBool(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	case float64:
		s = strconv.FormatFloat(v, 'g', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprintf("%v", v)
		} else {
			s = string(data)
		}
	}
	if len(s) > 256 {
		return "#" + Digest(s)
	}
	return s
}

// Digest is the stable content hash used to match primitives across
// serialisation boundaries.
func Digest(stringified string) string {
	sum := sha256.Sum256([]byte(stringified))
	return hex.EncodeToString(sum[:])
}

// DigestOf stringifies and digests a primitive value.
func DigestOf(value any) string {
	return Digest(Stringify(value))
}
