package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and checks the workflow document at path.
//
// The format is chosen by extension: .yaml/.yml for YAML, .json for JSON;
// anything else is tried as YAML, then JSON.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workflow document not found: %s: %w", path, os.ErrNotExist)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading workflow document: %s", path)
		}
		return nil, fmt.Errorf("failed to read workflow document: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a document from raw bytes. The path is
// used for format detection and error messages.
//
// Validation runs on the raw data, converted to JSON, before decoding into
// the typed struct so unknown fields are rejected rather than dropped.
func LoadFromBytes(data []byte, path string) (*Document, error) {
	if len(data) == 0 {
		return nil, errors.New("workflow document is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow document: %w", err)
	}
	if err := doc.Check(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadFromReader reads and validates a document from r.
func LoadFromReader(r io.Reader, path string) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow document: %w", err)
	}
	return LoadFromBytes(data, path)
}

func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in workflow document: %w", err)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse workflow document (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in workflow document: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert workflow document to JSON: %w", err)
	}
	return jsonData, nil
}

// LoadInputs reads an inputs file (YAML or JSON object).
func LoadInputs(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs file: %w", err)
	}
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, fmt.Errorf("inputs file must contain an object: %w", err)
	}
	return out, nil
}
