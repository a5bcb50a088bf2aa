package oauth2

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// PKCEMethod selects how the code challenge is derived from the verifier.
// PKCE is mandatory-capable, not mandatory: some legacy providers reject
// unknown authorize parameters, so it can be disabled per provider. Custom
// providers default to S256.
type PKCEMethod string

const (
	PKCES256     PKCEMethod = "S256"
	PKCEPlain    PKCEMethod = "plain"
	PKCEDisabled PKCEMethod = "disabled"
)

// Built-in provider names. Anything else must use ProviderCustom with
// explicit endpoint URLs and a mapper.
const (
	ProviderGoogle    = "google"
	ProviderGithub    = "github"
	ProviderGitlab    = "gitlab"
	ProviderDiscord   = "discord"
	ProviderFacebook  = "facebook"
	ProviderLinkedin  = "linkedin"
	ProviderMicrosoft = "microsoft"
	ProviderSpotify   = "spotify"
	ProviderTwitch    = "twitch"
	ProviderEpic      = "epic"
	ProviderCustom    = "custom"
)

// UserProfile is the normalized identity produced from a provider's userinfo
// response, or supplied directly by the email and two-factor flows.
type UserProfile struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// MapperFunc turns a provider-specific userinfo JSON object into a
// normalized profile.
type MapperFunc func(raw map[string]any) UserProfile

// Provider is the immutable description of one OAuth2 provider. Created once
// at configuration time; never mutated afterwards.
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// PKCE defaults to S256 for custom providers and to the built-in
	// default otherwise.
	PKCE PKCEMethod

	// Endpoint URLs. Required for custom providers; for built-ins they
	// override the catalog (useful in tests).
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// Mapper is required for custom providers.
	Mapper MapperFunc
}

// Validate checks the provider can be resolved: known name or complete
// custom endpoints, and a client id.
func (p *Provider) Validate() error {
	if p.ClientID == "" {
		return fmt.Errorf("client id required")
	}
	_, _, _, _, err := p.resolve()
	return err
}

type catalogEntry struct {
	endpoint    oauth2.Endpoint
	userInfoURL string
	scopes      []string
	mapper      MapperFunc
}

var catalog = map[string]catalogEntry{
	ProviderGoogle: {
		endpoint:    google.Endpoint,
		userInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
		scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		mapper: mapGoogle,
	},
	ProviderGithub: {
		endpoint:    github.Endpoint,
		userInfoURL: "https://api.github.com/user",
		scopes:      []string{"read:user", "user:email"},
		mapper:      mapGithub,
	},
	ProviderGitlab: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://gitlab.com/oauth/authorize",
			TokenURL: "https://gitlab.com/oauth/token",
		},
		userInfoURL: "https://gitlab.com/api/v4/user",
		scopes:      []string{"read_user"},
		mapper:      mapIDEmailNamePicture("id", "email", "name", "avatar_url"),
	},
	ProviderDiscord: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://discord.com/oauth2/authorize",
			TokenURL: "https://discord.com/api/oauth2/token",
		},
		userInfoURL: "https://discord.com/api/users/@me",
		scopes:      []string{"identify", "email"},
		mapper:      mapIDEmailNamePicture("id", "email", "username", "avatar"),
	},
	ProviderFacebook: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.facebook.com/v18.0/dialog/oauth",
			TokenURL: "https://graph.facebook.com/v18.0/oauth/access_token",
		},
		userInfoURL: "https://graph.facebook.com/me?fields=id,name,email,picture",
		scopes:      []string{"email", "public_profile"},
		mapper:      mapFacebook,
	},
	ProviderLinkedin: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.linkedin.com/oauth/v2/authorization",
			TokenURL: "https://www.linkedin.com/oauth/v2/accessToken",
		},
		userInfoURL: "https://api.linkedin.com/v2/userinfo",
		scopes:      []string{"openid", "profile", "email"},
		mapper:      mapIDEmailNamePicture("sub", "email", "name", "picture"),
	},
	ProviderMicrosoft: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		},
		userInfoURL: "https://graph.microsoft.com/v1.0/me",
		scopes:      []string{"openid", "profile", "email", "User.Read"},
		mapper:      mapMicrosoft,
	},
	ProviderSpotify: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.spotify.com/authorize",
			TokenURL: "https://accounts.spotify.com/api/token",
		},
		userInfoURL: "https://api.spotify.com/v1/me",
		scopes:      []string{"user-read-email", "user-read-private"},
		mapper:      mapIDEmailNamePicture("id", "email", "display_name", ""),
	},
	ProviderTwitch: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://id.twitch.tv/oauth2/authorize",
			TokenURL: "https://id.twitch.tv/oauth2/token",
		},
		userInfoURL: "https://api.twitch.tv/helix/users",
		scopes:      []string{"user:read:email"},
		mapper:      mapTwitch,
	},
	ProviderEpic: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.epicgames.com/id/authorize",
			TokenURL: "https://api.epicgames.dev/epic/oauth/v2/token",
		},
		userInfoURL: "https://api.epicgames.dev/epic/oauth/v2/userInfo",
		scopes:      []string{"basic_profile"},
		mapper:      mapIDEmailNamePicture("sub", "email", "preferred_username", ""),
	},
}

// resolve fills in catalog values for built-in providers and validates
// custom ones. It returns the effective endpoint, userinfo URL, mapper and
// PKCE method without mutating p.
func (p *Provider) resolve() (oauth2.Endpoint, string, MapperFunc, PKCEMethod, error) {
	if p.Name == ProviderCustom {
		if p.AuthURL == "" || p.TokenURL == "" || p.UserInfoURL == "" {
			return oauth2.Endpoint{}, "", nil, "", fmt.Errorf("custom provider requires auth, token and userinfo URLs")
		}
		if p.Mapper == nil {
			return oauth2.Endpoint{}, "", nil, "", fmt.Errorf("custom provider requires a mapper")
		}
		pkce := p.PKCE
		if pkce == "" {
			pkce = PKCES256
		}
		return oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL}, p.UserInfoURL, p.Mapper, pkce, nil
	}

	entry, ok := catalog[p.Name]
	if !ok {
		return oauth2.Endpoint{}, "", nil, "", fmt.Errorf("unknown provider: %s", p.Name)
	}
	endpoint := entry.endpoint
	if p.AuthURL != "" {
		endpoint.AuthURL = p.AuthURL
	}
	if p.TokenURL != "" {
		endpoint.TokenURL = p.TokenURL
	}
	userInfoURL := entry.userInfoURL
	if p.UserInfoURL != "" {
		userInfoURL = p.UserInfoURL
	}
	mapper := entry.mapper
	if p.Mapper != nil {
		mapper = p.Mapper
	}
	pkce := p.PKCE
	if pkce == "" {
		pkce = PKCES256
	}
	return endpoint, userInfoURL, mapper, pkce, nil
}

// DefaultScopes returns the catalog scopes for built-in providers when the
// config does not set any.
func (p *Provider) effectiveScopes() []string {
	if len(p.Scopes) > 0 {
		return p.Scopes
	}
	if entry, ok := catalog[p.Name]; ok {
		return entry.scopes
	}
	return nil
}

// =============================================================================
// Built-in userinfo mappers
// =============================================================================

func str(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

func mapIDEmailNamePicture(idKey, emailKey, nameKey, pictureKey string) MapperFunc {
	return func(raw map[string]any) UserProfile {
		out := UserProfile{
			Email: str(raw, emailKey),
			Name:  str(raw, nameKey),
		}
		if pictureKey != "" {
			out.Picture = str(raw, pictureKey)
		}
		// Numeric ids arrive as float64 from encoding/json.
		switch v := raw[idKey].(type) {
		case string:
			out.ID = v
		case float64:
			out.ID = fmt.Sprintf("%.0f", v)
		}
		return out
	}
}

func mapGoogle(raw map[string]any) UserProfile {
	return UserProfile{
		ID:      str(raw, "id"),
		Email:   str(raw, "email"),
		Name:    str(raw, "name"),
		Picture: str(raw, "picture"),
	}
}

func mapGithub(raw map[string]any) UserProfile {
	out := mapIDEmailNamePicture("id", "email", "name", "avatar_url")(raw)
	if out.Name == "" {
		out.Name = str(raw, "login")
	}
	return out
}

func mapFacebook(raw map[string]any) UserProfile {
	out := UserProfile{
		ID:    str(raw, "id"),
		Email: str(raw, "email"),
		Name:  str(raw, "name"),
	}
	// picture arrives as {"data": {"url": ...}}
	if pic, ok := raw["picture"].(map[string]any); ok {
		if data, ok := pic["data"].(map[string]any); ok {
			out.Picture = str(data, "url")
		}
	}
	return out
}

func mapMicrosoft(raw map[string]any) UserProfile {
	out := UserProfile{
		ID:    str(raw, "id"),
		Email: str(raw, "mail"),
		Name:  str(raw, "displayName"),
	}
	if out.Email == "" {
		out.Email = str(raw, "userPrincipalName")
	}
	return out
}

func mapTwitch(raw map[string]any) UserProfile {
	// helix wraps the user in {"data": [user]}
	if data, ok := raw["data"].([]any); ok && len(data) > 0 {
		if user, ok := data[0].(map[string]any); ok {
			return UserProfile{
				ID:      str(user, "id"),
				Email:   str(user, "email"),
				Name:    str(user, "display_name"),
				Picture: str(user, "profile_image_url"),
			}
		}
	}
	return UserProfile{}
}
