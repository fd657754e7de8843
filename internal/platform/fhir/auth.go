package fhir

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthKind identifies how requests to the FHIR endpoint are authenticated.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBasic  AuthKind = "basic"
	AuthBearer AuthKind = "bearer"
)

// DefaultBasicCredential is the development fallback used when no
// credentials are configured at all.
const DefaultBasicCredential = "client:secret"

// AuthScheme is the credential strategy applied to every downstream request.
// Exactly one of the Kind-specific fields is meaningful.
type AuthScheme struct {
	Kind     AuthKind
	Username string
	Password string

	// Token is a static bearer token. When TokenSource is set it takes its
	// place and tokens are fetched (and refreshed) on demand.
	Token       string
	TokenSource oauth2.TokenSource

	// Fallback is true when the scheme is the built-in default rather than
	// something the operator configured.
	Fallback bool
}

// AuthSettings are the raw credential settings from configuration.
type AuthSettings struct {
	Basic  string // "user:pass"
	Bearer string

	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthScopes       []string

	// DefaultBasic is used when nothing else is configured.
	DefaultBasic string
	Disabled     bool
}

// ResolveAuthScheme picks the single scheme to use. Precedence:
//
//	Disabled          → None
//	Basic             → Basic(user, pass)
//	Bearer            → Bearer(token)
//	OAuth credentials → Bearer(client-credentials token source)
//	otherwise         → Basic(DefaultBasic), flagged as Fallback
func ResolveAuthScheme(ctx context.Context, s AuthSettings) (AuthScheme, error) {
	switch {
	case s.Disabled:
		return AuthScheme{Kind: AuthNone}, nil

	case s.Basic != "":
		user, pass, err := splitBasic(s.Basic)
		if err != nil {
			return AuthScheme{}, fmt.Errorf("AUTH_BASIC: %w", err)
		}
		return AuthScheme{Kind: AuthBasic, Username: user, Password: pass}, nil

	case s.Bearer != "":
		return AuthScheme{Kind: AuthBearer, Token: s.Bearer}, nil

	case s.OAuthTokenURL != "":
		if s.OAuthClientID == "" || s.OAuthClientSecret == "" {
			return AuthScheme{}, fmt.Errorf("AUTH_OAUTH_CLIENT_ID and AUTH_OAUTH_CLIENT_SECRET are required with AUTH_OAUTH_TOKEN_URL")
		}
		cc := &clientcredentials.Config{
			ClientID:     s.OAuthClientID,
			ClientSecret: s.OAuthClientSecret,
			TokenURL:     s.OAuthTokenURL,
			Scopes:       s.OAuthScopes,
		}
		return AuthScheme{Kind: AuthBearer, TokenSource: cc.TokenSource(ctx)}, nil
	}

	def := s.DefaultBasic
	if def == "" {
		def = DefaultBasicCredential
	}
	user, pass, err := splitBasic(def)
	if err != nil {
		return AuthScheme{}, fmt.Errorf("AUTH_DEFAULT_BASIC: %w", err)
	}
	return AuthScheme{Kind: AuthBasic, Username: user, Password: pass, Fallback: true}, nil
}

// splitBasic splits "user:pass" at the first colon. The password may itself
// contain colons; the username may not be empty.
func splitBasic(v string) (string, string, error) {
	user, pass, ok := strings.Cut(v, ":")
	if !ok || user == "" {
		return "", "", fmt.Errorf("expected \"username:password\"")
	}
	return user, pass, nil
}

// Apply sets the Authorization header on req.
func (a AuthScheme) Apply(req *http.Request) error {
	switch a.Kind {
	case AuthBasic:
		req.SetBasicAuth(a.Username, a.Password)
	case AuthBearer:
		if a.TokenSource != nil {
			tok, err := a.TokenSource.Token()
			if err != nil {
				return fmt.Errorf("fetch oauth2 token: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
			return nil
		}
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	return nil
}

// String describes the scheme without revealing secrets.
func (a AuthScheme) String() string {
	switch a.Kind {
	case AuthBasic:
		if a.Fallback {
			return fmt.Sprintf("basic(%s, default)", a.Username)
		}
		return fmt.Sprintf("basic(%s)", a.Username)
	case AuthBearer:
		if a.TokenSource != nil {
			return "bearer(oauth2 client credentials)"
		}
		return "bearer(static)"
	default:
		return "none"
	}
}

// BearerExpiry reports the exp claim of a static bearer token that happens to
// be a JWT. The signature is not verified: only the downstream server can do
// that. ok is false when the token is not a JWT or has no exp claim.
func BearerExpiry(token string) (exp time.Time, ok bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time, true
}
