package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/spf13/viper"
)

var toolConfigFormats = []string{"yaml", "yml", "toml", "json", "ini"}

// LoadToolConfig reads a scanner configuration file. The file is never
// written; Digest identifies its content in RunRecord.ToolConfigs.
func LoadToolConfig(name, path string) (model.ToolConfig, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "cfg" {
		format = "ini"
	}
	if !slices.Contains(toolConfigFormats, format) {
		return model.ToolConfig{}, fmt.Errorf("%s: unsupported format %q", path, format)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return model.ToolConfig{}, err
	}
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(strings.NewReader(string(b))); err != nil {
		return model.ToolConfig{}, fmt.Errorf("%s: %w", path, err)
	}

	sum := sha256.Sum256(b)
	return model.ToolConfig{
		Name:     name,
		Path:     path,
		Format:   format,
		Digest:   "sha256:" + hex.EncodeToString(sum[:]),
		Settings: v.AllSettings(),
	}, nil
}

// scannerEnv turns scanner environment into KEY=value pairs, values
// starting with $ are expanded from the current environment.
func scannerEnv(env map[string]string) []string {
	ret := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		v := env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		ret = append(ret, k+"="+v)
	}
	return ret
}
