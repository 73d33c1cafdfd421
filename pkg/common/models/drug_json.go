package models

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

func (d *DrugInput) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		d.Name = strings.TrimSpace(text)
		return nil
	}
	type plain DrugInput
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = DrugInput(p)
	return nil
}

func (d *DrugInput) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		d.Name = strings.TrimSpace(node.Value)
		return nil
	}
	type plain DrugInput
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = DrugInput(p)
	return nil
}

// Text joins the structured parts back into a single lookup string.
func (d DrugInput) Text() string {
	parts := []string{strings.TrimSpace(d.Name)}
	if s := strings.TrimSpace(d.Strength); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}
