package credential

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	conndomain "flowdesk-sync/internal/connection/domain"
	"flowdesk-sync/internal/connection/repository"
	"flowdesk-sync/internal/provider"
	"flowdesk-sync/pkg/crypto"
)

// Kind identifies the credential mechanism stored for a connection.
type Kind string

const (
	KindOAuth    Kind = "oauth"
	KindPassword Kind = "password"
)

// Secret is the decrypted credential payload.
type Secret struct {
	Kind         Kind   `json:"kind"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
}

// Material is what adapters authenticate with. TokenSource is set for
// OAuth credentials, Username/Password for app passwords.
type Material struct {
	Kind        Kind
	Username    string
	Password    string
	TokenSource oauth2.TokenSource
}

// Resolver decrypts connection credentials and keeps rotated refresh
// tokens persisted.
type Resolver interface {
	Resolve(ctx context.Context, conn *conndomain.Connection) (*Material, error)

	// Check verifies the stored credential decrypts and has the
	// expected shape, without any network call.
	Check(conn *conndomain.Connection) error

	// Seal encrypts a secret for storage on a connection row.
	Seal(secret Secret) (string, error)
}

type resolver struct {
	clientID      string
	clientSecret  string
	encryptionKey string
	connections   repository.ConnectionRepository
}

func NewResolver(clientID, clientSecret, encryptionKey string, connections repository.ConnectionRepository) Resolver {
	return &resolver{
		clientID:      clientID,
		clientSecret:  clientSecret,
		encryptionKey: encryptionKey,
		connections:   connections,
	}
}

func (r *resolver) Resolve(ctx context.Context, conn *conndomain.Connection) (*Material, error) {
	secret, err := r.open(conn)
	if err != nil {
		return nil, err
	}

	switch secret.Kind {
	case KindPassword:
		username := secret.Username
		if username == "" {
			username = conn.Identity
		}
		return &Material{Kind: KindPassword, Username: username, Password: secret.Password}, nil

	case KindOAuth:
		token := &oauth2.Token{
			AccessToken:  secret.AccessToken,
			RefreshToken: secret.RefreshToken,
			TokenType:    "Bearer",
		}
		if secret.RefreshToken != "" {
			// Expired token forces a refresh on first use.
			token.Expiry = time.Now()
		}

		cfg := &oauth2.Config{
			ClientID:     r.clientID,
			ClientSecret: r.clientSecret,
			Endpoint:     google.Endpoint,
		}

		src := &persistingTokenSource{
			src:     cfg.TokenSource(ctx, token),
			current: token,
			persist: r.persistFunc(conn.ID, secret),
		}
		return &Material{Kind: KindOAuth, Username: conn.Identity, TokenSource: src}, nil

	default:
		return nil, &provider.CredentialError{Op: "resolve credential", Err: errors.New("unknown credential kind")}
	}
}

func (r *resolver) Check(conn *conndomain.Connection) error {
	_, err := r.open(conn)
	return err
}

func (r *resolver) Seal(secret Secret) (string, error) {
	raw, err := json.Marshal(secret)
	if err != nil {
		return "", err
	}
	return crypto.Encrypt(string(raw), r.encryptionKey)
}

func (r *resolver) open(conn *conndomain.Connection) (*Secret, error) {
	if conn.CredentialRef == "" {
		return nil, &provider.CredentialError{Op: "resolve credential", Err: errors.New("connection has no credential")}
	}
	plain, err := crypto.Decrypt(conn.CredentialRef, r.encryptionKey)
	if err != nil {
		return nil, &provider.CredentialError{Op: "resolve credential", Err: err}
	}
	var secret Secret
	if err := json.Unmarshal([]byte(plain), &secret); err != nil {
		return nil, &provider.CredentialError{Op: "resolve credential", Err: err}
	}
	if secret.Kind == "" {
		return nil, &provider.CredentialError{Op: "resolve credential", Err: errors.New("credential missing kind")}
	}
	return &secret, nil
}

// persistFunc re-seals and stores the secret when the provider rotates
// the refresh token.
func (r *resolver) persistFunc(connID string, secret *Secret) func(*oauth2.Token) error {
	return func(t *oauth2.Token) error {
		updated := *secret
		updated.AccessToken = t.AccessToken
		if t.RefreshToken != "" {
			updated.RefreshToken = t.RefreshToken
		}
		sealed, err := r.Seal(updated)
		if err != nil {
			return err
		}
		return r.connections.UpdateCredential(connID, sealed)
	}
}

// persistingTokenSource wraps a token source and notifies on refresh so
// rotated tokens survive restarts.
type persistingTokenSource struct {
	src     oauth2.TokenSource
	current *oauth2.Token
	persist func(*oauth2.Token) error
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.persist != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.persist(t); err != nil {
			log.Printf("[Credential] failed to persist refreshed token: %v", err)
		}
	}
	return t, nil
}
