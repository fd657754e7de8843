package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// DownstreamConfig holds what is needed to reach the FHIR endpoint.
type DownstreamConfig struct {
	EndpointURL string
	Timeout     time.Duration
	Auth        fhir.AuthSettings
}

// NewDownstream resolves the auth scheme once and builds the FHIR client used
// for every delivery.
func NewDownstream(ctx context.Context, cfg DownstreamConfig, logger zerolog.Logger) (*fhir.Client, error) {
	scheme, err := fhir.ResolveAuthScheme(ctx, cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("resolve downstream auth: %w", err)
	}

	var opts []fhir.ClientOption
	if cfg.Timeout > 0 {
		opts = append(opts, fhir.WithTimeout(cfg.Timeout))
	}
	client, err := fhir.NewClient(cfg.EndpointURL, scheme, opts...)
	if err != nil {
		return nil, err
	}

	log := logger.With().Str("endpoint", client.BaseURL()).Str("auth", scheme.String()).Logger()
	if scheme.Fallback {
		log.Warn().Msg("no downstream credentials configured, using default basic credentials")
	}
	if scheme.Kind == fhir.AuthBearer && scheme.TokenSource == nil {
		if exp, ok := fhir.BearerExpiry(scheme.Token); ok {
			if time.Now().After(exp) {
				log.Warn().Time("expires_at", exp).Msg("configured bearer token has expired")
			} else {
				log.Info().Time("expires_at", exp).Msg("bearer token expiry")
			}
		}
	}
	log.Info().Msg("downstream FHIR client ready")
	return client, nil
}
