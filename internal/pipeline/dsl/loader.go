package dsl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Load compiles the pipeline at path. A file is compiled on its own; a
// directory is handed to LoadDir.
func Load(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat pipeline %q: %w", path, err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	spec, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Compile(spec)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline %q: %w", path, err)
	}
	return doc, nil
}

// LoadDir discovers pipeline files in <configDir>/pipelines/*.yaml (and
// *.yml), merges them in file name order, and compiles the result. At most
// one file may carry the trigger and pr sections.
func LoadDir(configDir string) (*Document, error) {
	pipelinesDir := filepath.Join(configDir, "pipelines")
	entries, err := os.ReadDir(pipelinesDir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines directory %q: %w", pipelinesDir, err)
	}

	var yamlFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			yamlFiles = append(yamlFiles, filepath.Join(pipelinesDir, entry.Name()))
		}
	}
	if len(yamlFiles) == 0 {
		return nil, fmt.Errorf("no pipeline files in %q", pipelinesDir)
	}
	sort.Strings(yamlFiles)

	merged := &FileSpec{}
	for _, filePath := range yamlFiles {
		spec, err := LoadFile(filePath)
		if err != nil {
			return nil, err
		}
		if err := mergeSpec(merged, spec); err != nil {
			return nil, fmt.Errorf("pipeline file %q: %w", filePath, err)
		}
	}

	doc, err := Compile(merged)
	if err != nil {
		return nil, fmt.Errorf("compile pipelines in %q: %w", pipelinesDir, err)
	}
	return doc, nil
}

func mergeSpec(dst, src *FileSpec) error {
	if src.Trigger != nil {
		if dst.Trigger != nil {
			return fmt.Errorf("trigger section defined more than once")
		}
		dst.Trigger = src.Trigger
	}
	if src.PR != nil {
		if dst.PR != nil {
			return fmt.Errorf("pr section defined more than once")
		}
		dst.PR = src.PR
	}
	dst.Parameters = append(dst.Parameters, src.Parameters...)
	dst.Stages = append(dst.Stages, src.Stages...)
	return nil
}

// LoadFile parses one pipeline YAML file.
func LoadFile(path string) (*FileSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %q: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes pipeline YAML. name is used in error messages only.
func Parse(data []byte, name string) (*FileSpec, error) {
	var fileSpec FileSpec
	if err := yaml.Unmarshal(data, &fileSpec); err != nil {
		return nil, fmt.Errorf("parse pipeline file %q: %w", name, err)
	}
	return &fileSpec, nil
}
