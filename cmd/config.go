package cmd

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/RainbowTabitha/FloofBot/floofbot"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redactedValue = "[redacted]"

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := configYAML(cfg, !showSecrets)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// configYAML renders c as YAML. If redact is set, non-empty fields tagged
// `log:"[redacted]"` are replaced.
func configYAML(c *floofbot.Config, redact bool) ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error encoding config: %w", err)
	}
	if !redact {
		return data, nil
	}

	var doc map[string]any
	if err = yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	for _, path := range redactedPaths(reflect.TypeOf(*c), nil) {
		redactPath(doc, path)
	}
	return yaml.Marshal(doc)
}

// redactedPaths returns the YAML key paths of every field tagged for
// redaction, recursing into nested structs
func redactedPaths(t reflect.Type, prefix []string) [][]string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	var paths [][]string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" || name == "" {
			continue
		}
		path := append(append([]string{}, prefix...), name)
		if field.Tag.Get("log") == redactedValue {
			paths = append(paths, path)
			continue
		}
		paths = append(paths, redactedPaths(field.Type, path)...)
	}
	return paths
}

func redactPath(doc map[string]any, path []string) {
	current := doc
	for i, key := range path {
		v, ok := current[key]
		if !ok {
			return
		}
		if i == len(path)-1 {
			if s, isStr := v.(string); isStr && s != "" {
				current[key] = redactedValue
			}
			return
		}
		next, isMap := v.(map[string]any)
		if !isMap {
			return
		}
		current = next
	}
}

//nolint:gochecknoinits // cobra registration
func init() {
	configCmd.Flags().BoolVar(
		&showSecrets,
		"show-secrets",
		false,
		"print tokens, keys and connection strings as-is",
	)
	rootCmd.AddCommand(configCmd)
}
