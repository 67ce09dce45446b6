package server

import (
	"context"
	"errors"
	"strings"

	"github.com/giantswarm/oidc-core/credentials"
	"github.com/giantswarm/oidc-core/instrumentation"
	"github.com/giantswarm/oidc-core/internal/util"
	"github.com/giantswarm/oidc-core/registry"
	"github.com/giantswarm/oidc-core/security"
	"github.com/giantswarm/oidc-core/storage"
	"github.com/giantswarm/oidc-core/token"
)

// Token type hints (RFC 7009 section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Introspection is an RFC 7662 introspection response.
type Introspection struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	JTI       string   `json:"jti,omitempty"`
}

// Revoke revokes token on behalf of client (RFC 7009). Revoking a refresh
// token or an access token revokes the whole grant. Unknown tokens and
// tokens of other clients are ignored.
func (s *Server) Revoke(ctx context.Context, client *registry.Client, tok, hint string) error {
	ctx, span := s.tracer.Start(ctx, "server.revoke")
	defer span.End()
	clientIP := security.GetClientIP(ctx)

	grantID, subjectID, tokenType, err := s.lookupOwnedGrant(ctx, client, tok, hint)
	if err != nil {
		return s.fail(ctx, span, nil, err)
	}
	if grantID == "" {
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	n, err := s.revokeGrant(ctx, grantID, client)
	if err != nil {
		return s.fail(ctx, span, nil, s.storeError("revoke_grant", err))
	}
	s.Auditor.LogTokenRevoked(subjectID, client.ID, grantID, clientIP, tokenType)
	s.instrumentation.Metrics().RecordTokenRevocation(ctx, client.ID, tokenType)
	s.Logger.Info("Token revoked",
		"client_id", client.ID,
		"token_type", tokenType,
		"grant_id", util.SafeTruncate(grantID, idLogLength),
		"revoked_records", n)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// lookupOwnedGrant finds the grant of tok if it belongs to client. The hint
// only decides which kind is tried first.
func (s *Server) lookupOwnedGrant(ctx context.Context, client *registry.Client, tok, hint string) (grantID, subjectID, tokenType string, err error) {
	tryRefresh := func() (bool, error) {
		rt, err := s.store.GetRefreshToken(ctx, tok)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrUnavailable):
			return false, s.storeError("get_refresh", err)
		default:
			return false, nil
		}
		if rt.ClientID == client.ID {
			grantID, subjectID, tokenType = rt.GrantID, rt.SubjectID, TokenTypeHintRefreshToken
		}
		return true, nil
	}
	tryAccess := func() (bool, error) {
		claims, err := s.issuer.Verify(ctx, tok)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrUnavailable):
			return false, s.storeError("is_grant_revoked", err)
		default:
			return false, nil
		}
		if claims.ClientID == client.ID {
			grantID, subjectID, tokenType = claims.GrantID, claims.Subject, TokenTypeHintAccessToken
		}
		return true, nil
	}

	order := []func() (bool, error){tryAccess, tryRefresh}
	if hint == TokenTypeHintRefreshToken {
		order = []func() (bool, error){tryRefresh, tryAccess}
	}
	for _, try := range order {
		found, err := try()
		if err != nil || found {
			return grantID, subjectID, tokenType, err
		}
	}
	return "", "", "", nil
}

// Introspect describes tok for an authenticated client (RFC 7662). Invalid,
// expired and revoked tokens are reported inactive.
func (s *Server) Introspect(ctx context.Context, client *registry.Client, tok string) (*Introspection, error) {
	ctx, span := s.tracer.Start(ctx, "server.introspect")
	defer span.End()
	instrumentation.AddGrantAttributes(span, client.ID, "", "")

	claims, err := s.issuer.Verify(ctx, tok)
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
		out := &Introspection{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			Subject:   claims.Subject,
			TokenType: token.TokenTypeBearer,
			Issuer:    claims.Issuer,
			Audience:  claims.Audience,
			JTI:       claims.ID,
		}
		if claims.ExpiresAt != nil {
			out.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			out.IssuedAt = claims.IssuedAt.Unix()
		}
		if claims.NotBefore != nil {
			out.NotBefore = claims.NotBefore.Unix()
		}
		return out, nil
	case errors.Is(err, storage.ErrUnavailable):
		return nil, s.fail(ctx, span, nil, s.storeError("is_grant_revoked", err))
	}

	rt, err := s.store.GetRefreshToken(ctx, tok)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, s.fail(ctx, span, nil, s.storeError("get_refresh", err))
		}
		instrumentation.SetSpanSuccess(span)
		return &Introspection{Active: false}, nil
	}
	if rt.Consumed || rt.Revoked {
		return &Introspection{Active: false}, nil
	}
	revoked, err := s.store.IsGrantRevoked(ctx, rt.GrantID)
	if err != nil {
		return nil, s.fail(ctx, span, nil, s.storeError("is_grant_revoked", err))
	}
	if revoked {
		return &Introspection{Active: false}, nil
	}

	instrumentation.SetSpanSuccess(span)
	return &Introspection{
		Active:    true,
		Scope:     strings.Join(rt.Scopes, " "),
		ClientID:  rt.ClientID,
		Subject:   rt.SubjectID,
		TokenType: TokenTypeHintRefreshToken,
		ExpiresAt: rt.ExpiresAt.Unix(),
		IssuedAt:  rt.IssuedAt.Unix(),
		Issuer:    s.issuer.Config().Issuer,
	}, nil
}

// UserInfo returns the claims of the subject of an access token carrying
// the openid scope, limited to the claims its scopes release.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (credentials.Claims, error) {
	ctx, span := s.tracer.Start(ctx, "server.userinfo")
	defer span.End()

	claims, err := s.issuer.Verify(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, s.fail(ctx, span, nil, s.storeError("is_grant_revoked", err))
		}
		return nil, s.fail(ctx, span, nil, ErrInvalidToken("access token is invalid, expired or revoked").WithCause(err))
	}
	if !claims.HasScope(ScopeOpenID) || claims.Subject == claims.ClientID {
		return nil, s.fail(ctx, span, nil, ErrInsufficientScope("the openid scope is required"))
	}
	instrumentation.AddGrantAttributes(span, claims.ClientID, claims.GrantID, claims.Scope)

	loaded, err := s.credentials.LoadClaims(ctx, claims.Subject)
	if err != nil {
		oe := s.credentialError("load_claims", err)
		if errors.Is(err, credentials.ErrSubjectNotFound) {
			oe = ErrInvalidToken("subject no longer exists").WithCause(err)
		}
		return nil, s.fail(ctx, span, nil, oe)
	}

	out := loaded.Filter(s.registry.Snapshot().ClaimsFor(claims.Scopes()))
	out["sub"] = claims.Subject
	instrumentation.SetSpanSuccess(span)
	return out, nil
}
