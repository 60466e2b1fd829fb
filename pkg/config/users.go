package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UserSeed is one managed account supplied at startup. Persistence of user
// records is out of scope; the process is seeded through the environment.
type UserSeed struct {
	Username     string   `json:"username"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Channels     []string `json:"channels"`
}

// PrimaryChannel is the first joined channel; it defaults to the user's own
// channel when none are listed.
func (u UserSeed) PrimaryChannel() string {
	if len(u.Channels) > 0 {
		return u.Channels[0]
	}
	return strings.ToLower(u.Username)
}

// ExtraChannels are the joined channels beyond the primary.
func (u UserSeed) ExtraChannels() []string {
	if len(u.Channels) < 2 {
		return nil
	}
	return u.Channels[1:]
}

// UserSeeds decodes STREAMHUE_USERS, a JSON array of seed objects.
type UserSeeds []UserSeed

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (u *UserSeeds) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*u = nil
		return nil
	}
	var seeds []UserSeed
	if err := json.Unmarshal(text, &seeds); err != nil {
		return fmt.Errorf("decode users JSON: %w", err)
	}
	*u = seeds
	return nil
}

func (u UserSeeds) validate() error {
	seen := make(map[string]bool, len(u))
	for i, seed := range u {
		if seed.Username == "" {
			return fmt.Errorf("user %d: %w", i, ErrMissingRequiredField)
		}
		if seed.ClientID == "" || seed.ClientSecret == "" {
			return fmt.Errorf("user %s: client credentials: %w", seed.Username, ErrMissingRequiredField)
		}
		if seed.AccessToken == "" && seed.RefreshToken == "" {
			return fmt.Errorf("user %s: tokens: %w", seed.Username, ErrMissingRequiredField)
		}
		key := strings.ToLower(seed.Username)
		if seen[key] {
			return fmt.Errorf("user %s: duplicate: %w", seed.Username, ErrInvalidValue)
		}
		seen[key] = true
	}
	return nil
}
