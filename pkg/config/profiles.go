// Package config provides saved connection profiles and application settings
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"patterm/pkg/serial"
)

// ErrProfileNotFound is returned for an unknown profile name
var ErrProfileNotFound = errors.New("profile not found")

// ProfileStore defines the contract for saved connection profiles
type ProfileStore interface {
	SaveProfile(name string, config serial.SerialConfig) error
	LoadProfile(name string) (serial.SerialConfig, error)
	ListProfiles() ([]Profile, error)
	DeleteProfile(name string) error
	ProfileExists(name string) bool
	UpdateLastUsed(name string) error
}

// Profile is a named, saved session configuration
type Profile struct {
	Name        string              `json:"name"`
	Config      serial.SerialConfig `json:"config"`
	CreatedAt   time.Time           `json:"created_at"`
	LastUsedAt  time.Time           `json:"last_used_at"`
	Description string              `json:"description,omitempty"`
}

// Validate checks if the profile is valid
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}

	if err := p.Config.Validate(); err != nil {
		return fmt.Errorf("invalid serial config: %w", err)
	}

	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at timestamp cannot be zero")
	}

	return nil
}

// profileStorage is the on-disk layout of the profile file
type profileStorage struct {
	Profiles map[string]Profile `json:"profiles"`
	Version  string             `json:"version"`
}

const storageVersion = "1.0"

// FileProfileManager implements ProfileStore using a JSON file
type FileProfileManager struct {
	dir  string
	file string
	now  func() time.Time

	mu sync.Mutex
}

// NewFileProfileManager creates a profile manager storing profiles.json in dir
func NewFileProfileManager(dir string) *FileProfileManager {
	return &FileProfileManager{
		dir:  dir,
		file: "profiles.json",
		now:  time.Now,
	}
}

// Path returns the full path to the profile file
func (m *FileProfileManager) Path() string {
	return filepath.Join(m.dir, m.file)
}

// SaveProfile saves a profile, keeping the creation time and description of
// an existing profile with the same name
func (m *FileProfileManager) SaveProfile(name string, config serial.SerialConfig) error {
	if name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return m.update(func(storage *profileStorage) error {
		now := m.now()
		profile := Profile{
			Name:       name,
			Config:     config,
			CreatedAt:  now,
			LastUsedAt: now,
		}
		if existing, exists := storage.Profiles[name]; exists {
			profile.CreatedAt = existing.CreatedAt
			profile.Description = existing.Description
		}
		storage.Profiles[name] = profile
		return nil
	})
}

// LoadProfile returns the configuration of a saved profile
func (m *FileProfileManager) LoadProfile(name string) (serial.SerialConfig, error) {
	profile, err := m.GetProfile(name)
	if err != nil {
		return serial.SerialConfig{}, err
	}
	return profile.Config, nil
}

// GetProfile returns a saved profile with its metadata
func (m *FileProfileManager) GetProfile(name string) (Profile, error) {
	if name == "" {
		return Profile{}, fmt.Errorf("profile name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	storage, err := m.loadStorage()
	if err != nil {
		return Profile{}, fmt.Errorf("failed to load profiles: %w", err)
	}

	profile, exists := storage.Profiles[name]
	if !exists {
		return Profile{}, fmt.Errorf("profile '%s': %w", name, ErrProfileNotFound)
	}
	return profile, nil
}

// ListProfiles returns every saved profile, most recently used first
func (m *FileProfileManager) ListProfiles() ([]Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	storage, err := m.loadStorage()
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}

	profiles := make([]Profile, 0, len(storage.Profiles))
	for _, p := range storage.Profiles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		if !profiles[i].LastUsedAt.Equal(profiles[j].LastUsedAt) {
			return profiles[i].LastUsedAt.After(profiles[j].LastUsedAt)
		}
		return profiles[i].Name < profiles[j].Name
	})
	return profiles, nil
}

// DeleteProfile deletes a profile by name
func (m *FileProfileManager) DeleteProfile(name string) error {
	if name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}

	return m.update(func(storage *profileStorage) error {
		if _, exists := storage.Profiles[name]; !exists {
			return fmt.Errorf("profile '%s': %w", name, ErrProfileNotFound)
		}
		delete(storage.Profiles, name)
		return nil
	})
}

// ProfileExists checks if a profile with the given name exists
func (m *FileProfileManager) ProfileExists(name string) bool {
	_, err := m.GetProfile(name)
	return err == nil
}

// UpdateLastUsed stamps a profile as used now
func (m *FileProfileManager) UpdateLastUsed(name string) error {
	return m.update(func(storage *profileStorage) error {
		profile, exists := storage.Profiles[name]
		if !exists {
			return fmt.Errorf("profile '%s': %w", name, ErrProfileNotFound)
		}
		profile.LastUsedAt = m.now()
		storage.Profiles[name] = profile
		return nil
	})
}

// SetDescription sets the description of a profile
func (m *FileProfileManager) SetDescription(name, description string) error {
	return m.update(func(storage *profileStorage) error {
		profile, exists := storage.Profiles[name]
		if !exists {
			return fmt.Errorf("profile '%s': %w", name, ErrProfileNotFound)
		}
		profile.Description = description
		storage.Profiles[name] = profile
		return nil
	})
}

// ExportProfile writes one profile to a standalone JSON file
func (m *FileProfileManager) ExportProfile(name, filePath string) error {
	if filePath == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	profile, err := m.GetProfile(name)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write profile file: %w", err)
	}
	return nil
}

// ImportProfile saves a profile read from a file written by ExportProfile
func (m *FileProfileManager) ImportProfile(filePath string) (string, error) {
	if filePath == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read profile file: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return "", fmt.Errorf("failed to parse profile file: %w", err)
	}

	if err := profile.Validate(); err != nil {
		return "", fmt.Errorf("invalid profile in file: %w", err)
	}

	if err := m.SaveProfile(profile.Name, profile.Config); err != nil {
		return "", err
	}
	if profile.Description != "" {
		if err := m.SetDescription(profile.Name, profile.Description); err != nil {
			return "", err
		}
	}
	return profile.Name, nil
}

// update applies fn to the stored profiles and persists the result
func (m *FileProfileManager) update(fn func(*profileStorage) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	storage, err := m.loadStorage()
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	if err := fn(&storage); err != nil {
		return err
	}

	if err := m.saveStorage(storage); err != nil {
		return fmt.Errorf("failed to save profiles: %w", err)
	}
	return nil
}

// loadStorage loads the profile storage from file
func (m *FileProfileManager) loadStorage() (profileStorage, error) {
	data, err := os.ReadFile(m.Path())
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty storage if file doesn't exist
			return profileStorage{
				Profiles: make(map[string]Profile),
				Version:  storageVersion,
			}, nil
		}
		return profileStorage{}, fmt.Errorf("failed to read profile file: %w", err)
	}

	var storage profileStorage
	if err := json.Unmarshal(data, &storage); err != nil {
		return profileStorage{}, fmt.Errorf("failed to parse profile file: %w", err)
	}

	if storage.Profiles == nil {
		storage.Profiles = make(map[string]Profile)
	}
	return storage, nil
}

// saveStorage saves the profile storage to file
func (m *FileProfileManager) saveStorage(storage profileStorage) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	data, err := json.MarshalIndent(storage, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile data: %w", err)
	}

	// Write to temporary file first, then rename for atomic operation
	path := m.Path()
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary profile file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		// Clean up temporary file on failure
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary profile file: %w", err)
	}

	return nil
}
