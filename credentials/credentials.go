// Package credentials resolves the secrets the reply service needs: the
// social API OAuth tokens and the API keys of the generation providers.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when the credentials file is readable
// by anyone but its owner.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// File is the parsed credentials.toml.
//
//	[social]
//	client_id = "..."
//	client_secret = "..."
//	refresh_token = "..."
//	access_token = "..."   # optional, used until the first refresh
//	user_id = "..."
//
//	[gemini]
//	api_key = "..."
//
//	[objectstore]
//	access_key_id = "..."
//	secret_access_key = "..."
type File struct {
	Social      SocialCreds      `toml:"social"`
	ObjectStore ObjectStoreCreds `toml:"objectstore"`

	// Generation provider keys by section name: gemini, openai, anthropic.
	providers map[string]string
}

type SocialCreds struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
	AccessToken  string `toml:"access_token"`
	UserID       string `toml:"user_id"`
}

type ObjectStoreCreds struct {
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

// StandardPaths lists where Load looks, in order.
func StandardPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "replykit", "credentials.toml"))
	}
	return paths
}

// Load reads the first credentials file found in StandardPaths.
// A missing file is not an error: the result is an empty File and env vars apply.
func Load() (*File, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			f, err := LoadFile(path)
			return f, path, err
		}
	}
	return &File{providers: map[string]string{}}, "", nil
}

// LoadFile parses path. On unix the file must be mode 0400.
func LoadFile(path string) (*File, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Second pass picks up any [<provider>] api_key section.
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	f.providers = make(map[string]string)
	for key, value := range raw {
		section, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		if k, _ := section["api_key"].(string); k != "" {
			f.providers[key] = k
		}
	}
	return &f, nil
}

// APIKey returns the key for provider from its [provider] section, falling
// back to the provider's conventional environment variable.
func (f *File) APIKey(provider string) string {
	if f != nil {
		if k := f.providers[strings.ToLower(provider)]; k != "" {
			return k
		}
	}
	return os.Getenv(envVarForProvider(provider))
}

func envVarForProvider(provider string) string {
	switch strings.ToLower(provider) {
	case "gemini", "google":
		return "GEMINI_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	}
}

// SocialFromEnv fills empty social fields from SOCIAL_* environment variables.
func (f *File) SocialFromEnv() SocialCreds {
	c := f.Social
	fill := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	fill(&c.ClientID, "SOCIAL_CLIENT_ID")
	fill(&c.ClientSecret, "SOCIAL_CLIENT_SECRET")
	fill(&c.RefreshToken, "SOCIAL_REFRESH_TOKEN")
	fill(&c.AccessToken, "SOCIAL_ACCESS_TOKEN")
	fill(&c.UserID, "SOCIAL_USER_ID")
	return c
}
