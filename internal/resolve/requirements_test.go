package resolve_test

import (
	"strings"
	"testing"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/resolve"

	"github.com/hashicorp/go-version"
	"github.com/stretchr/testify/require"
)

func TestParseRequirement(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		given     string
		name      string
		specifier string
		allows    []string
		denies    []string
	}{
		{"requests", "requests", "", []string{"0.1", "99"}, nil},
		{"Flask_Login>=0.6", "flask-login", ">=0.6", []string{"0.6", "1.0"}, []string{"0.5.9"}},
		{"bandit[toml]>=1.7,<2", "bandit", ">=1.7,<2", []string{"1.7.0", "1.9"}, []string{"1.6", "2.0.0"}},
		{"pip-audit~=2.7 ; python_version >= '3.8'", "pip-audit", "~=2.7", []string{"2.7.3", "2.9"}, []string{"3.0", "2.6"}},
		{"rich==13.*", "rich", "==13.*", []string{"13.0", "13.7.1"}, []string{"12.6.0", "14.0"}},
		{"pbr!=2.1.0,>=2.0.0", "pbr", "!=2.1.0,>=2.0.0", []string{"2.0.0", "6.0.0"}, []string{"2.1.0", "1.10"}},
		{"six (==1.16.0)", "six", "==1.16.0", []string{"1.16.0"}, []string{"1.15.0"}},
	}

	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			req, err := resolve.ParseRequirement(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.name, req.Name)
			require.Equal(t, tc.specifier, req.Specifier)
			for _, v := range tc.allows {
				require.Truef(t, req.Allows(version.Must(version.NewVersion(v))), "%s should allow %s", tc.given, v)
			}
			for _, v := range tc.denies {
				require.Falsef(t, req.Allows(version.Must(version.NewVersion(v))), "%s should deny %s", tc.given, v)
			}
		})
	}
}

func TestParseRequirement_ExtrasAndMarker(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		given  string
		extras []string
		marker string
	}{
		{"bandit[toml, SARIF]>=1.7", []string{"toml", "sarif"}, ""},
		{"pip-audit~=2.7 ; python_version >= '3.8'", nil, "python_version >= '3.8'"},
		{"rich[jupyter]; extra == 'ui'", []string{"jupyter"}, "extra == 'ui'"},
		{"six[]", nil, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			req, err := resolve.ParseRequirement(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.extras, req.Extras)
			require.Equal(t, tc.marker, req.Marker)
		})
	}
}

func TestParseRequirement_Fail(t *testing.T) {
	t.Parallel()
	for _, given := range []string{"", ">=1.0", "foo=>1", "foo<=1.*", "foo~=abc"} {
		_, err := resolve.ParseRequirement(given)
		require.Errorf(t, err, "%q", given)
	}
}

func TestParseRequirements(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     model.PinSet
	}{
		{
			scenario: "hashed",
			given: `# pinned by warden, mode: hashed, extras: base,security
urllib3==2.2.1 \
    --hash=sha256:bb
Requests==2.31.0 --hash=sha256:aa --hash=sha256:cc # comment
`,
			then: model.PinSet{
				Mode:   model.PinHashed,
				Extras: []string{"base", "security"},
				Pins: []model.Pin{
					{Name: "requests", Version: "2.31.0", Hash: "sha256:aa", AltHashes: []string{"sha256:cc"}},
					{Name: "urllib3", Version: "2.2.1", Hash: "sha256:bb"},
				},
			},
		},
		{
			scenario: "several hashes",
			given: `rich==13.7.1 \
    --hash=sha256:11 \
    --hash=sha256:22 \
    --hash=sha256:11 \
    --hash=sha256:33
`,
			then: model.PinSet{
				Mode: model.PinHashed,
				Pins: []model.Pin{
					{Name: "rich", Version: "13.7.1", Hash: "sha256:11", AltHashes: []string{"sha256:22", "sha256:33"}},
				},
			},
		},
		{
			scenario: "unhashed",
			given:    "\nrich==13.7.1\n\n# a comment\npyyaml==6.0.1",
			then: model.PinSet{
				Mode: model.PinUnhashed,
				Pins: []model.Pin{
					{Name: "pyyaml", Version: "6.0.1"},
					{Name: "rich", Version: "13.7.1"},
				},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			pins, err := resolve.ParseRequirements(strings.NewReader(tc.given))
			require.NoError(t, err)
			require.Equal(t, tc.then, pins)
		})
	}
}

func TestParseRequirements_RenderKeepsHashes(t *testing.T) {
	t.Parallel()
	given := "# pinned by warden, mode: hashed\nrich==13.7.1 --hash=sha256:11 --hash=sha256:22\n"

	pins, err := resolve.ParseRequirements(strings.NewReader(given))
	require.NoError(t, err)
	require.Equal(t, given, string(pins.Render()))

	pin, ok := pins.Lookup("rich")
	require.True(t, ok)
	require.True(t, pin.Accepts("sha256:22"))
	require.False(t, pin.Accepts("sha256:33"))
	require.False(t, pin.Accepts(""))
}

func TestParseRequirements_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
	}{
		{"not pinned", "requests>=2\n"},
		{"mixed", "requests==2.31.0 --hash=sha256:aa\nurllib3==2.2.1\n"},
		{"md5", "requests==2.31.0 --hash=md5:aa\n"},
		{"option", "requests==2.31.0 --index-url=https://example.com\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := resolve.ParseRequirements(strings.NewReader(tc.given))
			var cerr *model.ConfigError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, "environment.requirements", cerr.Field)
		})
	}
}

func TestParseManifest(t *testing.T) {
	t.Parallel()

	m, err := resolve.ParseManifest(strings.NewReader(`[project]
name = "demo"
dependencies = ["requests>=2"]

[project.optional-dependencies]
Dev_Tools = ["ruff"]
`))
	require.NoError(t, err)
	require.Equal(t, "demo", m.Name)
	require.Equal(t, []string{"base", "dev-tools"}, m.ExtraNames())

	roots, selected, err := m.Roots([]string{"dev_tools", "base", "base"})
	require.NoError(t, err)
	require.Equal(t, []string{"base", "dev-tools"}, selected)
	require.Len(t, roots, 2)

	_, err = resolve.ParseManifest(strings.NewReader("[project]\noptional-dependencies = { base = [\"x\"] }\n"))
	var cerr *model.ConfigError
	require.ErrorAs(t, err, &cerr)

	_, err = resolve.ParseManifest(strings.NewReader("[project\n"))
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "project.manifest", cerr.Field)
}
