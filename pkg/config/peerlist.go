package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PeerList is a bootstrap peer file's top-level shape: a flat list of
// host:port addresses the wallet should maintain a sync connection to.
type PeerList struct {
	Addresses []string `yaml:"addresses"`
}

// LoadPeerList decodes a bootstrap peer list file directly with
// gopkg.in/yaml.v3, bypassing viper's own unmarshal path -- this file
// is operator-maintained and distributed independently of the rest of
// walletd's configuration (e.g. dropped into place by a provisioning
// script), so it has no business sharing viper's merged-config
// lifecycle.
func LoadPeerList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read peer list %s: %w", path, err)
	}

	var list PeerList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("config: parse peer list %s: %w", path, err)
	}
	return list.Addresses, nil
}
