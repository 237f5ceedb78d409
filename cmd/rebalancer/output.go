package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// compileJQ parses and compiles a jq filter.
func compileJQ(filter string) (*gojq.Code, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}
	return code, nil
}

// toJQInput round-trips v through JSON so gojq sees plain maps and slices.
func toJQInput(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return out, nil
}

// writeJQ runs code over v and writes each result as indented JSON.
func writeJQ(w io.Writer, code *gojq.Code, v interface{}) error {
	input, err := toJQInput(v)
	if err != nil {
		return err
	}
	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq filter failed: %w", err)
		}
		if err := writeJSON(w, result); err != nil {
			return err
		}
	}
}

// matchesJQ reports whether code yields a truthy first result for v.
func matchesJQ(code *gojq.Code, v interface{}) bool {
	input, err := toJQInput(v)
	if err != nil {
		return false
	}
	result, ok := code.Run(input).Next()
	if !ok {
		return false
	}
	if _, isErr := result.(error); isErr {
		return false
	}
	return isTruthy(result)
}

// isTruthy follows jq semantics: only false and null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// output prints v as JSON (optionally filtered through --jq) or, when JSON
// was not requested, calls pretty.
func output(c *cli.Context, v interface{}, pretty func(io.Writer)) error {
	w := c.App.Writer
	if w == nil {
		w = os.Stdout
	}
	if filter := c.String("jq"); filter != "" {
		code, err := compileJQ(filter)
		if err != nil {
			return err
		}
		return writeJQ(w, code, v)
	}
	if c.Bool("json") || pretty == nil {
		return writeJSON(w, v)
	}
	pretty(w)
	return nil
}

// readSpecFile decodes a YAML or JSON file into dst using dst's JSON field
// names. "-" reads stdin.
func readSpecFile(path string, dst interface{}) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to convert %s: %w", path, err)
	}
	if err := json.Unmarshal(asJSON, dst); err != nil {
		return fmt.Errorf("invalid contents in %s: %w", path, err)
	}
	return nil
}
