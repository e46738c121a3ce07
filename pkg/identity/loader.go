package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk format of identities.yaml.
type registryFile struct {
	Identities []struct {
		ID     string `yaml:"id"`
		Domain string `yaml:"domain"`
		Keys   []struct {
			ID        string `yaml:"id"`
			PublicKey string `yaml:"public_key"`
			Revoked   bool   `yaml:"revoked,omitempty"`
		} `yaml:"keys"`
	} `yaml:"identities"`
}

// LoadRegistryFile builds a MemoryRegistry from a YAML file.
func LoadRegistryFile(path string) (*MemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a MemoryRegistry from YAML bytes.
func ParseRegistry(data []byte) (*MemoryRegistry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse identity registry: %w", err)
	}
	if len(f.Identities) == 0 {
		return nil, fmt.Errorf("identity registry has no identities")
	}

	reg := NewMemoryRegistry()
	for _, id := range f.Identities {
		if err := reg.Apply(Event{EventType: EventIdentityRegistered, Identity: id.ID, Domain: id.Domain}); err != nil {
			return nil, err
		}
		for _, k := range id.Keys {
			pub, err := hex.DecodeString(k.PublicKey)
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("identity %s key %s: invalid public key", id.ID, k.ID)
			}
			if err := reg.Apply(Event{EventType: EventKeyAdded, Identity: id.ID, KeyID: k.ID, PublicKey: pub}); err != nil {
				return nil, err
			}
			if k.Revoked {
				if err := reg.Apply(Event{EventType: EventKeyRevoked, Identity: id.ID, KeyID: k.ID}); err != nil {
					return nil, err
				}
			}
		}
	}
	return reg, nil
}
