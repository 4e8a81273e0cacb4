package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Value is one VarSpace slot: either a small inline JSON value or a
// reference into the blob store, never both.
type Value struct {
	JSON json.RawMessage `json:"json,omitempty"`
	Blob *BlobRef        `json:"blob,omitempty"`
}

func (v Value) Size() int64 {
	if v.Blob != nil {
		return v.Blob.Size
	}
	return int64(len(v.JSON))
}

// VarSpace is the per-run named variable store. A run owns its
// VarSpace exclusively and the controller loop is sequential, so no
// locking is needed.
type VarSpace struct {
	vars map[string]Value
}

func NewVarSpace() *VarSpace {
	return &VarSpace{vars: make(map[string]Value)}
}

func (vs *VarSpace) Set(name string, v Value) error {
	if name == "" {
		return fmt.Errorf("varspace: empty variable name")
	}
	if v.JSON != nil && v.Blob != nil {
		return fmt.Errorf("varspace: %s: value cannot be both inline and blob", name)
	}
	vs.vars[name] = v
	return nil
}

func (vs *VarSpace) Get(name string) (Value, error) {
	v, ok := vs.vars[name]
	if !ok {
		return Value{}, fmt.Errorf("varspace: unknown variable %q", name)
	}
	return v, nil
}

// Names returns variable names in sorted order.
func (vs *VarSpace) Names() []string {
	names := make([]string, 0, len(vs.vars))
	for name := range vs.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bytes materializes a variable's content, resolving blob refs.
func (vs *VarSpace) Bytes(ctx context.Context, blobs BlobStore, name string) ([]byte, error) {
	v, err := vs.Get(name)
	if err != nil {
		return nil, err
	}
	if v.Blob != nil {
		return blobs.Get(ctx, v.Blob.ID)
	}
	return v.JSON, nil
}

// Summary is the controller-visible description of one variable: name
// and size only, never content. This is what bounds token growth.
func (vs *VarSpace) Summary() string {
	names := vs.Names()
	if len(names) == 0 {
		return "(no variables)"
	}
	out := ""
	for _, name := range names {
		v := vs.vars[name]
		kind := "inline"
		if v.Blob != nil {
			kind = "blob"
		}
		out += fmt.Sprintf("- %s (%s, %d bytes)\n", name, kind, v.Size())
	}
	return out
}

// ChunkRefs decodes a variable that holds a chunk list produced by the
// Chunk action.
func (vs *VarSpace) ChunkRefs(name string) ([]BlobRef, error) {
	v, err := vs.Get(name)
	if err != nil {
		return nil, err
	}
	if v.JSON == nil {
		return nil, fmt.Errorf("varspace: %s does not hold a chunk list", name)
	}
	var refs []BlobRef
	if err := json.Unmarshal(v.JSON, &refs); err != nil {
		return nil, fmt.Errorf("varspace: %s does not hold a chunk list: %w", name, err)
	}
	return refs, nil
}
