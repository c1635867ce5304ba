package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"slices"
	"strings"
)

type PinMode string

const (
	PinHashed   PinMode = "hashed"
	PinUnhashed PinMode = "unhashed"
)

// Pin is one resolved package. Source is the distribution file the pin was
// resolved from, it is not part of the rendered requirements. A requirements
// file may list several hashes for a pin, one per published distribution:
// Hash is the first one and AltHashes the rest.
type Pin struct {
	Name      string   `json:"name" yaml:"name"`
	Version   string   `json:"version" yaml:"version"`
	Hash      string   `json:"hash,omitempty" yaml:"hash,omitempty"`
	AltHashes []string `json:"alt_hashes,omitempty" yaml:"alt_hashes,omitempty"`
	Source    string   `json:"-" yaml:"-"`
}

// Hashes returns every hash the pin accepts.
func (p Pin) Hashes() []string {
	if p.Hash == "" {
		return nil
	}
	return append([]string{p.Hash}, p.AltHashes...)
}

// Accepts reports whether hash is one of the hashes of the pin.
func (p Pin) Accepts(hash string) bool {
	return hash != "" && slices.Contains(p.Hashes(), hash)
}

// PinSet is a resolved dependency set sorted by name. It is never modified
// after creation.
type PinSet struct {
	Mode   PinMode  `json:"mode"`
	Extras []string `json:"extras"`
	Pins   []Pin    `json:"pins"`
}

func (p PinSet) Lookup(name string) (Pin, bool) {
	name = NormalizeName(name)
	for _, pin := range p.Pins {
		if pin.Name == name {
			return pin, true
		}
	}
	return Pin{}, false
}

// Render returns the pinned requirements file content. The output only
// depends on the PinSet, so equal sets render to equal bytes.
func (p PinSet) Render() []byte {
	var sb strings.Builder
	sb.WriteString("# pinned by warden, mode: ")
	sb.WriteString(string(p.Mode))
	if len(p.Extras) > 0 {
		sb.WriteString(", extras: ")
		sb.WriteString(strings.Join(p.Extras, ","))
	}
	sb.WriteByte('\n')
	for _, pin := range p.Pins {
		sb.WriteString(pin.Name)
		sb.WriteString("==")
		sb.WriteString(pin.Version)
		for _, hash := range pin.Hashes() {
			sb.WriteString(" --hash=")
			sb.WriteString(hash)
		}
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

func (p PinSet) Digest() string {
	sum := sha256.Sum256(p.Render())
	return "sha256:" + hex.EncodeToString(sum[:])
}

var nameRx = regexp.MustCompile(`[-_.]+`)

// NormalizeName returns the canonical form of a python package name.
func NormalizeName(name string) string {
	return nameRx.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}
