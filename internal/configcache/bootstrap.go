package configcache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/smsgw/sms-gateway/internal/models"
)

type bootstrapUser struct {
	APIKey     string `yaml:"api_key"`
	UserID     int    `yaml:"user_id"`
	Username   string `yaml:"username"`
	IsActive   bool   `yaml:"is_active"`
	DailyQuota int    `yaml:"daily_quota"`
}

type bootstrapProvider struct {
	Name          string   `yaml:"name"`
	IsActive      bool     `yaml:"is_active"`
	IsOperational bool     `yaml:"is_operational"`
	Aliases       []string `yaml:"aliases"`
	Note          string   `yaml:"note"`
}

type bootstrapFile struct {
	Users     []bootstrapUser     `yaml:"users"`
	Providers []bootstrapProvider `yaml:"providers"`
}

// LoadBootstrap reads a statically provided YAML snapshot used when no
// persisted state exists yet. The result has the same shape as a live
// broadcast so it can be applied and persisted identically.
func LoadBootstrap(path string) (models.StatePayload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.StatePayload{}, fmt.Errorf("failed to read bootstrap config: %w", err)
	}

	var file bootstrapFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return models.StatePayload{}, fmt.Errorf("failed to parse bootstrap config: %w", err)
	}

	payload := models.StatePayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, u := range file.Users {
		payload.Data.Users = append(payload.Data.Users, models.UserRecord{
			APIKey:     u.APIKey,
			UserID:     u.UserID,
			Username:   u.Username,
			IsActive:   u.IsActive,
			DailyQuota: u.DailyQuota,
		})
	}
	for _, p := range file.Providers {
		payload.Data.Providers = append(payload.Data.Providers, models.ProviderRecord{
			Name:          p.Name,
			IsActive:      p.IsActive,
			IsOperational: p.IsOperational,
			Aliases:       p.Aliases,
			Note:          p.Note,
		})
	}

	return payload, nil
}
