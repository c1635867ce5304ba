package resolve

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"
)

const headerExtras = ", extras: "

// WriteRequirements stores the pinned requirements file atomically.
func WriteRequirements(path string, pins model.PinSet) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".requirements-*")
	if err != nil {
		return fmt.Errorf("creating requirements file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(pins.Render()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing requirements file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing requirements file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func ReadRequirements(path string) (model.PinSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.PinSet{}, &model.ConfigError{Field: "environment.requirements", Err: err}
	}
	defer func() {
		_ = f.Close()
	}()
	return ParseRequirements(f)
}

// ParseRequirements reads `name==version --hash=sha256:...` lines. Every
// requirement must be pinned with ==. A line may repeat --hash, each one is
// kept. Either all or none of them carry a hash, which sets the mode of
// the returned PinSet.
func ParseRequirements(r io.Reader) (model.PinSet, error) {
	var (
		ret     model.PinSet
		logical strings.Builder
		lines   []string
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			if _, extras, ok := strings.Cut(line, headerExtras); ok {
				ret.Extras = strings.Split(strings.TrimSpace(extras), ",")
			}
			continue
		}
		if cont, ok := strings.CutSuffix(strings.TrimRight(line, " \t"), `\`); ok {
			logical.WriteString(cont)
			logical.WriteByte(' ')
			continue
		}
		logical.WriteString(line)
		lines = append(lines, logical.String())
		logical.Reset()
	}
	if err := scanner.Err(); err != nil {
		return model.PinSet{}, err
	}
	if logical.Len() > 0 {
		lines = append(lines, logical.String())
	}

	hashed := 0
	for _, line := range lines {
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name, ver, ok := strings.Cut(fields[0], "==")
		if !ok || name == "" || ver == "" {
			return model.PinSet{}, model.NewConfigError("environment.requirements", "%q is not pinned with ==", fields[0])
		}
		pin := model.Pin{Name: model.NormalizeName(name), Version: ver}
		for _, opt := range fields[1:] {
			hash, ok := strings.CutPrefix(opt, "--hash=")
			if !ok {
				return model.PinSet{}, model.NewConfigError("environment.requirements", "unsupported option %q", opt)
			}
			if !strings.HasPrefix(hash, "sha256:") {
				return model.PinSet{}, model.NewConfigError("environment.requirements", "unsupported hash %q", hash)
			}
			switch {
			case pin.Hash == "":
				pin.Hash = hash
			case !pin.Accepts(hash):
				pin.AltHashes = append(pin.AltHashes, hash)
			}
		}
		if pin.Hash != "" {
			hashed++
		}
		ret.Pins = append(ret.Pins, pin)
	}

	switch hashed {
	case len(ret.Pins):
		ret.Mode = model.PinHashed
	case 0:
		ret.Mode = model.PinUnhashed
	default:
		return model.PinSet{}, model.NewConfigError("environment.requirements", "%d of %d requirements have no hash", len(ret.Pins)-hashed, len(ret.Pins))
	}
	slices.SortFunc(ret.Pins, func(a, b model.Pin) int {
		return strings.Compare(a.Name, b.Name)
	})
	return ret, nil
}
