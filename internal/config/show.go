package config

import (
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Render returns cfg as YAML with durations spelled out and the API key
// masked.
func Render(cfg *Config) ([]byte, error) {
	c := *cfg
	if c.Embedding.APIKey != "" {
		c.Embedding.APIKey = "[set]"
	}
	return yaml.Marshal(toMap(reflect.ValueOf(c)))
}

// toMap converts a struct into an ordered yaml mapping keyed by yaml tags.
func toMap(v reflect.Value) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("yaml")
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		fv := v.Field(i)
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}

		var value *yaml.Node
		switch {
		case f.Type == durationType:
			value = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(fv.Int()).String()}
		case fv.Kind() == reflect.Struct:
			value = toMap(fv)
		default:
			value = &yaml.Node{}
			if err := value.Encode(fv.Interface()); err != nil {
				continue
			}
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: name},
			value,
		)
	}
	return node
}
