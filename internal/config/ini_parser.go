package config

import (
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// koanfIniParser adapts gopkg.in/ini.v1 to koanf's Parser interface.
// The configuration file is INI: a [Configuration] section holding
// scalar overrides, followed by one section per layer. koanf ships no
// INI parser of its own, so this is the bridge that lets Load use
// koanf's layered file+env+defaults loading over ini.v1 instead of a
// YAML or TOML parser.
type koanfIniParser struct{}

// Unmarshal parses b as INI text. The [Configuration] section's keys
// are promoted to top-level config keys; every other section becomes
// one entry in the "layers" list, tagged with its file position so
// priority ties can be broken by insertion order.
func (koanfIniParser) Unmarshal(b []byte) (map[string]any, error) {
	f, err := ini.Load(b)
	if err != nil {
		return nil, fmt.Errorf("parse ini: %w", err)
	}

	out := map[string]any{}
	var layers []map[string]any
	order := 0

	for _, sec := range f.Sections() {
		switch sec.Name() {
		case ini.DefaultSection:
			continue
		case "Configuration":
			for _, key := range sec.Keys() {
				out[key.Name()] = key.Value()
			}
		default:
			layer := map[string]any{
				"name":        sec.Name(),
				"order":       order,
				"type":        sec.Key("type").String(),
				"backend":     sec.Key("backend").String(),
				"description": sec.Key("description").String(),
			}
			if p := sec.Key("priority").String(); p != "" {
				priority, err := strconv.Atoi(p)
				if err != nil {
					return nil, fmt.Errorf("layer %s: priority: %w", sec.Name(), err)
				}
				layer["priority"] = priority
			}
			layers = append(layers, layer)
			order++
		}
	}

	if layers != nil {
		out["layers"] = layers
	}
	return out, nil
}

// Marshal is unused: the daemon never rewrites its own configuration
// file.
func (koanfIniParser) Marshal(map[string]any) ([]byte, error) {
	return nil, errMarshalUnsupported
}

var errMarshalUnsupported = errors.New("marshaling to ini is not supported")
