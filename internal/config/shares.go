package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultShares are the device exports mounted by the MedFlow host.
func DefaultShares() map[string]string {
	return map[string]string{
		"zeiss":        "/tmp/medflow_mounts/ZEISS_RETINO",
		"solix":        "/tmp/medflow_mounts/Export_Solix_OCT",
		"tomey":        "/tmp/medflow_mounts/TOMEY_DATA",
		"export":       "/tmp/medflow_mounts/Export",
		"archives":     "/Volumes/Archives",
		"image_matrix": "/tmp/medflow_mounts/image_matrix",
	}
}

type sharesFile struct {
	Shares map[string]string `yaml:"shares"`
}

// LoadSharesFile reads a YAML document of the form
//
//	shares:
//	  zeiss: /mnt/zeiss
func LoadSharesFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shares file %s: %w", path, err)
	}
	var parsed sharesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse shares file %s: %w", path, err)
	}
	if len(parsed.Shares) == 0 {
		return nil, fmt.Errorf("shares file %s: no shares defined", path)
	}
	shares := make(map[string]string, len(parsed.Shares))
	for name, sharePath := range parsed.Shares {
		name = strings.ToLower(strings.TrimSpace(name))
		sharePath = strings.TrimSpace(sharePath)
		if name == "" || sharePath == "" {
			return nil, fmt.Errorf("shares file %s: empty name or path", path)
		}
		shares[name] = sharePath
	}
	return shares, nil
}
