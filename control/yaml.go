// File: control/yaml.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// YAML-backed loading for the configuration registry. Nested mappings are
// flattened with dotted keys; only keys with a registered variable are
// applied, everything else is ignored.

package control

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAMLFile reads path and applies its values to registered variables.
func LoadYAMLFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return LoadYAML(buf)
}

// LoadYAML applies a YAML document to registered variables and then fires the
// process-wide reload hooks.
func LoadYAML(buf []byte) error {
	var root map[string]any
	if err := yaml.Unmarshal(buf, &root); err != nil {
		return fmt.Errorf("control: parse yaml: %w", err)
	}
	flat := make(map[string]any)
	flatten("", root, flat)

	var firstErr error
	registry.mu.RLock()
	type pending struct {
		v   settable
		raw any
	}
	var apply []pending
	for key, raw := range flat {
		if v, ok := registry.vars[key]; ok {
			apply = append(apply, pending{v, raw})
		}
	}
	registry.mu.RUnlock()

	for _, p := range apply {
		if err := p.v.setFromAny(p.raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	TriggerReloadSync()
	return nil
}

func flatten(prefix string, node any, out map[string]any) {
	m, ok := node.(map[string]any)
	if !ok {
		if prefix != "" {
			out[prefix] = node
		}
		return
	}
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flatten(key, v, out)
	}
}
