// Package names derives infrastructure-safe names for deployments.
//
// A deployment is identified by its Key, the (model id, tag) pair. The
// CloudFormation stack name and the pipeline correlation key are both derived
// from the Key through Normalize, so the two external systems can be joined on
// the same string.
package names

import (
	"fmt"
	"strings"
)

const (
	// StackPrefix is prepended to every model stack name. Stacks without it are
	// never considered deployments.
	StackPrefix = "mdctl-model"

	// DefaultTag is the tag used when none is given. It is omitted from the
	// stack name so that "m" and "m/dev" name the same slot.
	DefaultTag = "dev"
)

// Key identifies one deployable slot.
type Key struct {
	ModelID string `json:"model_id" yaml:"model_id"`
	Tag     string `json:"model_tag" yaml:"model_tag"`
}

// NewKey returns a Key, substituting DefaultTag for an empty tag.
func NewKey(modelID, tag string) Key {
	if tag == "" {
		tag = DefaultTag
	}
	return Key{ModelID: modelID, Tag: tag}
}

func (k Key) String() string {
	return k.ModelID + "/" + k.Tag
}

// StackName returns the CloudFormation stack name for the key.
func (k Key) StackName() string {
	return StackName(k.ModelID, k.Tag)
}

// Matches reports whether the given model id and tag address this key.
// An empty tag on either side is treated as DefaultTag.
func (k Key) Matches(modelID, tag string) bool {
	return NewKey(k.ModelID, k.Tag) == NewKey(modelID, tag)
}

// ParseIdentifier parses the "model/tag" form, splitting on the last slash.
// Without a slash (or with a trailing one) DefaultTag is used.
func ParseIdentifier(id string) (Key, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Key{}, fmt.Errorf("empty deployment identifier")
	}
	idx := strings.LastIndex(id, "/")
	if idx <= 0 || idx == len(id)-1 {
		return NewKey(strings.TrimSuffix(id, "/"), ""), nil
	}
	return NewKey(id[:idx], id[idx+1:]), nil
}

// Normalize maps an arbitrary string onto [a-z][-a-z0-9]*. Underscores and
// dots become dashes, other invalid characters are dropped, and leading
// characters are dropped until the first letter. The result may be empty.
// Normalize is idempotent.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '_' || r == '.':
			r = '-'
		case r >= 'A' && r <= 'Z':
			r = r - 'A' + 'a'
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
		default:
			continue
		}
		if b.Len() == 0 && !(r >= 'a' && r <= 'z') {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StackName returns "{StackPrefix}-{Normalize(modelID[-tag])}". The tag is
// omitted when it is empty or equal to DefaultTag.
func StackName(modelID, tag string) string {
	base := modelID
	if tag != "" && tag != DefaultTag {
		base = modelID + "-" + tag
	}
	return StackPrefix + "-" + Normalize(base)
}

// IsModelStack reports whether a stack name carries the reserved prefix.
func IsModelStack(name string) bool {
	return strings.HasPrefix(name, StackPrefix+"-")
}
