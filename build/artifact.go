package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"loadstone/protocol"
	"loadstone/sig"
)

// Artifact is a complete build result: the padded flat image plus
// everything the loader and the marshaller need to place and call it.
type Artifact struct {
	Data         []byte
	BaseAddress  uint32
	EntryAddress uint32
	Sections     map[string]Section
	Symbols      []Symbol
	Meta         *Metadata
}

// TotalSize is the upload size: image bytes plus alignment and BSS
// padding.
func (a *Artifact) TotalSize() uint32 { return uint32(len(a.Data)) }

// Symbol looks a name up in the artifact's symbol table.
func (a *Artifact) Symbol(name string) (Symbol, bool) {
	for _, s := range a.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// Section returns a kept section by name.
func (a *Artifact) Section(name string) (Section, bool) {
	s, ok := a.Sections[name]
	return s, ok
}

// Metadata records the argument-frame contract between the generated
// wrapper and the marshaller.
type Metadata struct {
	Function   string      `json:"function"`
	ReturnType string      `json:"return_type"`
	Params     []MetaParam `json:"parameters"`

	CodeBase  uint32 `json:"code_base"`
	ArgsBase  uint32 `json:"args_base"`
	SlotCount int    `json:"args_array_size"`
	ArgsBytes int    `json:"args_array_bytes"`

	ReturnSlot int    `json:"return_slot"`
	ReturnAddr uint32 `json:"return_address"`

	Signature *sig.Signature `json:"-"`
}

// MetaParam is one parameter's slot assignment.
type MetaParam struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Category string `json:"category"`
	Addr     uint32 `json:"address"`
}

// NewMetadata lays the parsed signature over the argument frame.
func NewMetadata(s *sig.Signature, codeBase, argsBase uint32) *Metadata {
	m := &Metadata{
		Function:   s.Name,
		ReturnType: s.Return.Text,
		CodeBase:   codeBase,
		ArgsBase:   argsBase,
		SlotCount:  protocol.ArgSlots,
		ArgsBytes:  protocol.ArgBytes,
		ReturnSlot: protocol.ReturnSlot,
		ReturnAddr: argsBase + uint32(protocol.ReturnSlot*protocol.SlotSize),
		Signature:  s,
	}
	for i, p := range s.Params {
		m.Params = append(m.Params, MetaParam{
			Index:    i,
			Name:     p.Name,
			Type:     p.Type.Text,
			Category: p.Category.String(),
			Addr:     argsBase + uint32(i*protocol.SlotSize),
		})
	}
	return m
}

// Save writes the metadata record as json into dir, the shape notebooks
// and external tools consume.
func (m *Metadata) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "signature.json")
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	return path, nil
}
