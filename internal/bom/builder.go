package bom

import (
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Builder is a builder pattern for a CycloneDX BOM structure
type Builder struct {
	timestamp    time.Time
	components   []cdx.Component
	dependencies []cdx.Dependency
	properties   []cdx.Property
}

func NewBuilder() *Builder {
	return &Builder{
		timestamp: time.Now(),
		// those MUST be initialized as cyclone-dx JSON schema do not allow items to be null
		components:   []cdx.Component{},
		dependencies: []cdx.Dependency{},
		properties:   []cdx.Property{},
	}
}

func (b *Builder) WithTimestamp(t time.Time) *Builder {
	b.timestamp = t
	return b
}

func (b *Builder) AppendComponents(components ...cdx.Component) *Builder {
	b.components = append(b.components, components...)
	return b
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

func (b *Builder) AppendDependencies(dependencies ...cdx.Dependency) *Builder {
	b.dependencies = append(b.dependencies, dependencies...)
	return b
}

// BOM returns a cdx.BOM based on a data inside the Builder
func (b *Builder) BOM() cdx.BOM {
	return cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: b.timestamp.UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{Phase: cdx.LifecyclePhaseBuild},
			},
			// This can't be not nil otherwise this error will happen
			// json: error calling MarshalJSON for type *cyclonedx.ToolsChoice: unexpected end of JSON input
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "Warden",
				Version: version,
				Manufacturer: &cdx.OrganizationalEntity{
					Name: "CZERTAINLY",
					URL: &[]string{
						"https://www.czertainly.com",
					},
				},
			},
		},
		Components:   &b.components,
		Dependencies: &b.dependencies,
		Properties:   &b.properties,
	}
}

// AsJSON encode the BOM into JSON format
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}

// FromPinSet describes a pinned environment. Every pin is a library
// component identified by its pypi purl.
func FromPinSet(pins model.PinSet) *Builder {
	b := NewBuilder().AppendProperties(
		cdx.Property{Name: "warden:pinset:mode", Value: string(pins.Mode)},
		cdx.Property{Name: "warden:pinset:extras", Value: strings.Join(pins.Extras, ",")},
		cdx.Property{Name: "warden:pinset:digest", Value: pins.Digest()},
	)
	for _, pin := range pins.Pins {
		purl := PURL(pin)
		c := cdx.Component{
			BOMRef:     purl,
			Type:       cdx.ComponentTypeLibrary,
			Name:       pin.Name,
			Version:    pin.Version,
			PackageURL: purl,
		}
		var hashes []cdx.Hash
		for _, hash := range pin.Hashes() {
			if algo, value, ok := strings.Cut(hash, ":"); ok && algo == "sha256" {
				hashes = append(hashes, cdx.Hash{Algorithm: cdx.HashAlgoSHA256, Value: value})
			}
		}
		if len(hashes) > 0 {
			c.Hashes = &hashes
		}
		b.AppendComponents(c)
	}
	return b
}

func PURL(pin model.Pin) string {
	return "pkg:pypi/" + pin.Name + "@" + pin.Version
}
