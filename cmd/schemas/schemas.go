// Package schemas embeds the configuration schema and evaluates it with CUE.
package schemas

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
)

//go:embed config.cue
var configSchema []byte

// Source returns the schema text.
func Source() []byte {
	return configSchema
}

// Compile evaluates the schema in a fresh CUE context.
func Compile() (cue.Value, error) {
	return compile(cuecontext.New())
}

func compile(ctx *cue.Context) (cue.Value, error) {
	value := ctx.CompileBytes(configSchema, cue.Filename("config.cue"))
	if err := value.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile configuration schema: %w", err)
	}
	return value, nil
}

// Default returns the schema default at a dotted path such as "server.udp_port".
func Default(path string) (cue.Value, error) {
	schema, err := Compile()
	if err != nil {
		return cue.Value{}, err
	}

	value := schema.LookupPath(cue.ParsePath(path))
	if !value.Exists() {
		return cue.Value{}, fmt.Errorf("no schema field %s", path)
	}

	if def, ok := value.Default(); ok {
		return def, nil
	}
	return value, nil
}

// DefaultsYAML renders every default of the schema as a YAML document.
func DefaultsYAML() ([]byte, error) {
	schema, err := Compile()
	if err != nil {
		return nil, err
	}

	out, err := yaml.Encode(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to render schema defaults: %w", err)
	}
	return out, nil
}

// Check unifies a YAML or JSON configuration document with the schema and
// reports the first conflict.
func Check(filename string, data []byte) error {
	ctx := cuecontext.New()

	schema, err := compile(ctx)
	if err != nil {
		return err
	}

	file, err := yaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	document := ctx.BuildFile(file)
	if err := document.Err(); err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", filename, err)
	}

	if err := schema.Unify(document).Validate(); err != nil {
		return fmt.Errorf("%s does not match the schema: %w", filename, err)
	}
	return nil
}

// WriteTemp writes the schema to a temporary file, for loaders that read it
// from disk. The file must outlive every reload; call cleanup when done.
func WriteTemp() (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "proteus-schema-*.cue")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create schema file: %w", err)
	}

	if _, err := f.Write(configSchema); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to write schema file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to write schema file: %w", err)
	}

	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
