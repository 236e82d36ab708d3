// Package nodeconfig persists FamilyVault's non-secret node settings,
// adapted line-for-line from the teacher's ConfigManager: same
// home-directory/JSON-file layout and load/save/update surface, new
// field set for the coordinator's service port, pairing port,
// discovery toggle, cache root, database path, and bootstrap peers.
package nodeconfig

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NodeConfig is the persistent configuration for one FamilyVault
// instance.
type NodeConfig struct {
	DeviceID          string            `json:"deviceId"`
	DeviceName        string            `json:"deviceName"`
	ServicePort       int               `json:"servicePort"`
	PairingPort       int               `json:"pairingPort"`
	DiscoveryEnabled  bool              `json:"discoveryEnabled"`
	CacheRoot         string            `json:"cacheRoot"`
	DatabasePath      string            `json:"databasePath"`
	BootstrapPeers    []string          `json:"bootstrapPeers"`
	LastSavedAt       string            `json:"lastSavedAt"`
	CustomSettings    map[string]string `json:"customSettings,omitempty"`
}

// DefaultServicePort and DefaultPairingPort match spec.md §4.7/§4.4's
// documented default ports.
const (
	DefaultServicePort = 45678
	DefaultPairingPort = 45680
)

// ConfigManager loads and persists a NodeConfig under
// ${HOME}/.familyvault/node_config.json.
type ConfigManager struct {
	configPath string
	config     *NodeConfig
	mu         sync.RWMutex
}

// NewConfigManager constructs a manager around a freshly-defaulted
// config for deviceID; call LoadConfig to overlay any persisted state.
func NewConfigManager(deviceID, deviceName string) *ConfigManager {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Printf("⚠️  could not get user home directory: %v", err)
		homeDir = os.TempDir()
	}

	configDir := filepath.Join(homeDir, ".familyvault")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Printf("⚠️  could not create config directory: %v", err)
		configDir = os.TempDir()
	}

	configPath := filepath.Join(configDir, "node_config.json")

	return &ConfigManager{
		configPath: configPath,
		config: &NodeConfig{
			DeviceID:         deviceID,
			DeviceName:       deviceName,
			ServicePort:      DefaultServicePort,
			PairingPort:      DefaultPairingPort,
			DiscoveryEnabled: true,
			CacheRoot:        filepath.Join(configDir, "cache"),
			DatabasePath:     filepath.Join(configDir, "index.db"),
			CustomSettings:   make(map[string]string),
		},
	}
}

// LoadConfig reads the config file if present, else returns the
// in-memory defaults unchanged.
func (cm *ConfigManager) LoadConfig() (*NodeConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		log.Printf("📄 no existing config file found at %s, using defaults", cm.configPath)
		return cm.config, nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: read config file: %w", err)
	}
	if err := json.Unmarshal(data, cm.config); err != nil {
		return nil, fmt.Errorf("nodeconfig: parse config file: %w", err)
	}

	log.Printf("✅ loaded configuration from %s (last saved: %s)", cm.configPath, cm.config.LastSavedAt)
	return cm.config, nil
}

// SaveConfig writes config to disk, stamping LastSavedAt.
func (cm *ConfigManager) SaveConfig(config *NodeConfig) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	config.LastSavedAt = time.Now().Format(time.RFC3339)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("nodeconfig: marshal config: %w", err)
	}
	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("nodeconfig: write config file: %w", err)
	}

	cm.config = config
	log.Printf("✅ saved configuration to %s", cm.configPath)
	return nil
}

// GetConfig returns a defensive copy of the current configuration.
func (cm *ConfigManager) GetConfig() *NodeConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	if cm.config.CustomSettings != nil {
		configCopy.CustomSettings = make(map[string]string, len(cm.config.CustomSettings))
		for k, v := range cm.config.CustomSettings {
			configCopy.CustomSettings[k] = v
		}
	}
	if cm.config.BootstrapPeers != nil {
		configCopy.BootstrapPeers = make([]string, len(cm.config.BootstrapPeers))
		copy(configCopy.BootstrapPeers, cm.config.BootstrapPeers)
	}
	return &configCopy
}

// AddBootstrapPeer appends addr to the bootstrap list unless already present.
func (cm *ConfigManager) AddBootstrapPeer(addr string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, existing := range cm.config.BootstrapPeers {
		if existing == addr {
			return
		}
	}
	cm.config.BootstrapPeers = append(cm.config.BootstrapPeers, addr)
	log.Printf("➕ added bootstrap peer: %s", addr)
}

// RemoveBootstrapPeer removes addr from the bootstrap list if present.
func (cm *ConfigManager) RemoveBootstrapPeer(addr string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	newList := make([]string, 0, len(cm.config.BootstrapPeers))
	found := false
	for _, existing := range cm.config.BootstrapPeers {
		if existing != addr {
			newList = append(newList, existing)
		} else {
			found = true
		}
	}
	if found {
		cm.config.BootstrapPeers = newList
		log.Printf("➖ removed bootstrap peer: %s", addr)
	}
}

// UpdateSetting sets a free-form custom setting, for experimental
// flags that don't warrant a dedicated field.
func (cm *ConfigManager) UpdateSetting(key, value string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.config.CustomSettings == nil {
		cm.config.CustomSettings = make(map[string]string)
	}
	cm.config.CustomSettings[key] = value
}
