package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OperationFile describes one logical bulk write for the bulkjob CLI.
type OperationFile struct {
	Object          string      `yaml:"object"`
	Operation       string      `yaml:"operation"`
	ExternalIDField string      `yaml:"externalIdField"`
	Input           string      `yaml:"input"`
	Tasks           int         `yaml:"tasks"`
	Executor        string      `yaml:"executor"`
	TaskImage       string      `yaml:"taskImage"`
	Batch           BatchLimits `yaml:"batch"`
}

// BatchLimits bounds a single submitted batch.
type BatchLimits struct {
	MaxRecords int `yaml:"maxRecords"`
	MaxBytes   int `yaml:"maxBytes"`
}

// LoadOperationFile reads and decodes an operation file. Unknown keys are rejected.
func LoadOperationFile(path string) (*OperationFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open operation file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var op OperationFile
	if err := dec.Decode(&op); err != nil {
		return nil, fmt.Errorf("decode operation file %s: %w", path, err)
	}
	return op.withDefaults(), nil
}

func (o OperationFile) withDefaults() *OperationFile {
	if o.Tasks <= 0 {
		o.Tasks = 1
	}
	if o.Executor == "" {
		o.Executor = "local"
	}
	if o.TaskImage == "" {
		o.TaskImage = "bulkjob-task:latest"
	}
	return &o
}
