package server

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-core/instrumentation"
	"github.com/giantswarm/oidc-core/internal/util"
	"github.com/giantswarm/oidc-core/registry"
	"github.com/giantswarm/oidc-core/security"
	"github.com/giantswarm/oidc-core/storage"
	"github.com/giantswarm/oidc-core/token"
)

// Decision is the user's answer to a pending authorization request.
type Decision struct {
	RequestID string
	Username  string
	Password  string
	Approve   bool

	// Scopes are the scopes the user approved. Nil approves every requested
	// scope. Scopes outside the request are ignored.
	Scopes []string
}

// AuthorizationResponse is the successful outcome of a decision.
type AuthorizationResponse struct {
	RedirectURI string
	Code        string
	State       string
	GrantID     string
	Scopes      []string
}

// Location returns the redirect URL carrying code and state.
func (r *AuthorizationResponse) Location() string {
	q := url.Values{}
	q.Set("code", r.Code)
	if r.State != "" {
		q.Set("state", r.State)
	}
	return appendQuery(r.RedirectURI, q)
}

// StartAuthorization validates an authorization request and persists it as
// a pending authorization awaiting the user's decision.
func (s *Server) StartAuthorization(ctx context.Context, params AuthorizationParams) (pending *storage.PendingAuthorization, err error) {
	ctx, span := s.tracer.Start(ctx, "server.start_authorization")
	defer span.End()

	g := NewGrant(uuid.NewString(), params.ClientID, registry.GrantAuthorizationCode)
	instrumentation.AddGrantAttributes(span, params.ClientID, g.ID, params.Scope)
	clientIP := security.GetClientIP(ctx)

	req, verr := ValidateAuthorizationRequest(s.registry.Snapshot(), params, s.Config)
	if verr != nil {
		oe := AsError(verr)
		eventType := security.EventAuthFailure
		if !oe.Redirectable() && oe.Code == ErrorCodeInvalidRequest && params.RedirectURI != "" {
			eventType = security.EventInvalidRedirect
		}
		s.Auditor.LogEvent(security.Event{
			Type:      eventType,
			Outcome:   security.OutcomeFailure,
			ClientID:  params.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": oe.Description},
		})
		return nil, s.fail(ctx, span, g, oe)
	}

	if err := s.advance(span, g, StateAwaitingConsent); err != nil {
		return nil, s.fail(ctx, span, g, err)
	}

	now := s.now()
	pending = &storage.PendingAuthorization{
		RequestID:           generateRandomToken(),
		GrantID:             g.ID,
		ClientID:            req.Client.ID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.PendingAuthorizationTTL),
	}
	if err := s.store.SavePending(ctx, pending); err != nil {
		return nil, s.fail(ctx, span, g, s.storeError("save_pending", err))
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationStarted,
		ClientID:  req.Client.ID,
		GrantID:   g.ID,
		IPAddress: clientIP,
		Details: map[string]any{
			"redirect_uri":          req.RedirectURI,
			"scope":                 strings.Join(req.Scopes, " "),
			"code_challenge_method": req.CodeChallengeMethod,
		},
	})
	s.instrumentation.Metrics().RecordAuthorizationStarted(ctx, req.Client.ID)
	instrumentation.SetSpanSuccess(span)
	return pending, nil
}

// Decide applies the user's decision to a pending authorization. The pending
// authorization is consumed whatever the outcome. On approval the user is
// authenticated, the approved scopes are narrowed to the requested ones and
// an authorization code is minted.
//
// Errors carrying a redirect URI are delivered to the client; others are
// shown to the user.
func (s *Server) Decide(ctx context.Context, d Decision) (*AuthorizationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.decide")
	defer span.End()
	clientIP := security.GetClientIP(ctx)

	if d.RequestID == "" {
		return nil, s.fail(ctx, span, nil, ErrInvalidRequest("request_id is required"))
	}
	pending, err := s.store.ConsumePending(ctx, d.RequestID)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, s.fail(ctx, span, nil, s.storeError("consume_pending", err))
		}
		oe := ErrInvalidRequest("authorization request is unknown, expired or already decided").WithCause(err)
		oe.Kind = KindGrantState
		return nil, s.fail(ctx, span, nil, oe)
	}

	g := ResumeGrant(pending.GrantID, pending.ClientID, registry.GrantAuthorizationCode, StateAwaitingConsent)
	instrumentation.AddGrantAttributes(span, pending.ClientID, g.ID, strings.Join(pending.Scopes, " "))

	// the registry may have been reloaded since the request was validated
	client, ok := s.registry.Snapshot().Client(pending.ClientID)
	if !ok || !client.Enabled {
		return nil, s.fail(ctx, span, g, ErrUnauthorizedClient("client is no longer available"))
	}
	if ValidateRedirectURI(client, pending.RedirectURI) != nil {
		return nil, s.fail(ctx, span, g, ErrInvalidRequest("redirect_uri is no longer registered for this client"))
	}
	redirect := func(e *Error) error {
		return s.fail(ctx, span, g, e.WithRedirect(pending.RedirectURI, pending.State))
	}

	if !d.Approve {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventConsentDenied,
			Outcome:   security.OutcomeFailure,
			ClientID:  client.ID,
			GrantID:   g.ID,
			IPAddress: clientIP,
		})
		s.instrumentation.Metrics().RecordConsentDecision(ctx, client.ID, "denied")
		return nil, redirect(ErrAccessDenied("the resource owner denied the request"))
	}

	subject, err := s.credentials.Verify(ctx, d.Username, d.Password)
	if err != nil {
		oe := s.credentialError("verify", err)
		if oe.Kind == KindAuthentication {
			s.Auditor.LogAuthFailure("", client.ID, clientIP, "invalid_credentials")
		}
		s.instrumentation.Metrics().RecordConsentDecision(ctx, client.ID, "failed")
		return nil, redirect(oe)
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrSubjectID, subject.ID))

	scopes := pending.Scopes
	if d.Scopes != nil {
		scopes = approvedScopes(pending.Scopes, d.Scopes)
		if extra := excess(d.Scopes, pending.Scopes); len(extra) > 0 {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				Outcome:   security.OutcomeFailure,
				SubjectID: subject.ID,
				ClientID:  client.ID,
				GrantID:   g.ID,
				IPAddress: clientIP,
				Details:   map[string]any{"dropped_scopes": strings.Join(extra, " ")},
			})
		}
	}
	if len(scopes) == 0 {
		s.instrumentation.Metrics().RecordConsentDecision(ctx, client.ID, "denied")
		return nil, redirect(ErrAccessDenied("no requested scope was approved"))
	}

	if err := s.advance(span, g, StateAuthorized); err != nil {
		return nil, s.fail(ctx, span, g, err)
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventConsentGranted,
		SubjectID: subject.ID,
		ClientID:  client.ID,
		GrantID:   g.ID,
		IPAddress: clientIP,
		Details:   map[string]any{"scope": strings.Join(scopes, " ")},
	})
	s.instrumentation.Metrics().RecordConsentDecision(ctx, client.ID, "granted")

	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		GrantID:             g.ID,
		ClientID:            client.ID,
		SubjectID:           subject.ID,
		RedirectURI:         pending.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Nonce:               pending.Nonce,
		AuthTime:            now,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.store.SaveCode(ctx, code); err != nil {
		return nil, redirect(s.storeError("save_code", err))
	}
	if err := s.advance(span, g, StateCodeIssued); err != nil {
		return nil, s.fail(ctx, span, g, err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		SubjectID: subject.ID,
		ClientID:  client.ID,
		GrantID:   g.ID,
		IPAddress: clientIP,
		Details: map[string]any{
			"scope":                 strings.Join(scopes, " "),
			"code_challenge_method": code.CodeChallengeMethod,
		},
	})
	s.instrumentation.Metrics().RecordCodeIssued(ctx, client.ID, code.CodeChallengeMethod)
	s.Logger.Info("Authorization code issued",
		"client_id", client.ID,
		"grant_id", util.SafeTruncate(g.ID, idLogLength))
	instrumentation.SetSpanSuccess(span)

	return &AuthorizationResponse{
		RedirectURI: pending.RedirectURI,
		Code:        code.Code,
		State:       pending.State,
		GrantID:     g.ID,
		Scopes:      scopes,
	}, nil
}

// ExchangeAuthorizationCode redeems code for tokens. The code is consumed
// before any other check so a failed exchange also burns it. Presenting a
// code that was already redeemed revokes everything issued from it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *registry.Client, code, redirectURI, verifier string) (*oauth2.Token, error) {
	ctx, span := s.tracer.Start(ctx, "server.exchange_authorization_code")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ID),
		attribute.String(instrumentation.AttrGrantType, registry.GrantAuthorizationCode))
	clientIP := security.GetClientIP(ctx)

	if !client.AllowsGrant(registry.GrantAuthorizationCode) {
		g := NewGrant("", client.ID, registry.GrantAuthorizationCode)
		return nil, s.fail(ctx, span, g, ErrUnauthorizedClient("client is not allowed to use the authorization code grant"))
	}

	ac, err := s.store.ConsumeCode(ctx, code)
	if err != nil {
		g := NewGrant("", client.ID, registry.GrantAuthorizationCode)
		if ac != nil {
			g = ResumeGrant(ac.GrantID, ac.ClientID, registry.GrantAuthorizationCode, StateCodeIssued)
		}
		if errors.Is(err, storage.ErrConsumed) && ac != nil {
			s.handleCodeReuse(ctx, client, ac, clientIP)
			return nil, s.fail(ctx, span, g, ErrInvalidGrant("authorization code has already been used").WithCause(err))
		}
		return nil, s.fail(ctx, span, g, s.storeError("consume_code", err))
	}

	g := ResumeGrant(ac.GrantID, ac.ClientID, registry.GrantAuthorizationCode, StateCodeIssued)
	instrumentation.AddGrantAttributes(span, client.ID, g.ID, strings.Join(ac.Scopes, " "))

	if ac.ClientID != client.ID {
		s.Auditor.LogAuthFailure(ac.SubjectID, client.ID, clientIP, "code_client_mismatch")
		return nil, s.fail(ctx, span, g, ErrInvalidGrant("authorization code was not issued to this client"))
	}
	if ac.RedirectURI != redirectURI {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			Outcome:   security.OutcomeFailure,
			SubjectID: ac.SubjectID,
			ClientID:  client.ID,
			GrantID:   g.ID,
			IPAddress: clientIP,
		})
		return nil, s.fail(ctx, span, g, ErrInvalidGrant("redirect_uri does not match the authorization request"))
	}
	if err := s.checkVerifier(ctx, ac, verifier); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			Outcome:   security.OutcomeFailure,
			SubjectID: ac.SubjectID,
			ClientID:  client.ID,
			GrantID:   g.ID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		return nil, s.fail(ctx, span, g, ErrInvalidGrant("PKCE verification failed").WithCause(err))
	}
	if err := s.advance(span, g, StateExchanged); err != nil {
		return nil, s.fail(ctx, span, g, err)
	}

	claims, err := s.subjectClaims(ctx, ac.SubjectID, ac.Scopes)
	if err != nil {
		return nil, s.fail(ctx, span, g, err)
	}

	refresh := token.RefreshNone
	if client.AllowsGrant(registry.GrantRefreshToken) {
		refresh = token.RefreshNew
	}
	tok, err := s.issuer.Issue(ctx, token.IssueRequest{
		GrantType:       registry.GrantAuthorizationCode,
		GrantID:         g.ID,
		ClientID:        client.ID,
		SubjectID:       ac.SubjectID,
		Scopes:          ac.Scopes,
		AccessTokenTTL:  client.AccessTokenTTL,
		RefreshTokenTTL: client.RefreshTokenTTL,
		IDToken:         true,
		Nonce:           ac.Nonce,
		AuthTime:        ac.AuthTime,
		SubjectClaims:   claims,
		Refresh:         refresh,
	})
	if err != nil {
		return nil, s.fail(ctx, span, g, s.issueError(err))
	}

	// A replay racing this exchange may have revoked the grant before the
	// refresh token was stored. The exchange still counts as the one
	// redemption, but the fresh records are revoked with the rest.
	revoked, err := s.store.IsGrantRevoked(ctx, g.ID)
	if err != nil {
		return nil, s.fail(ctx, span, g, s.storeError("is_grant_revoked", err))
	}
	if revoked {
		if _, err := s.revokeGrant(ctx, g.ID, client); err != nil {
			s.Logger.Error("Failed to revoke grant after replay race", "error", err)
		}
	}

	if err := s.advance(span, g, StateTokenIssued); err != nil {
		return nil, s.fail(ctx, span, g, err)
	}
	s.Auditor.LogTokenIssued(ac.SubjectID, client.ID, g.ID, clientIP, registry.GrantAuthorizationCode, strings.Join(ac.Scopes, " "))
	s.instrumentation.Metrics().RecordTokensIssued(ctx, client.ID, registry.GrantAuthorizationCode)
	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

// handleCodeReuse revokes the grant of a replayed code.
func (s *Server) handleCodeReuse(ctx context.Context, client *registry.Client, ac *storage.AuthorizationCode, clientIP string) {
	owner, ok := s.registry.Snapshot().Client(ac.ClientID)
	if !ok {
		owner = client
	}
	n, err := s.revokeGrant(ctx, ac.GrantID, owner)
	if err != nil {
		s.Logger.Error("Failed to revoke grant of replayed authorization code",
			"grant_id", util.SafeTruncate(ac.GrantID, idLogLength),
			"error", err)
	}
	s.Auditor.LogReuseDetected(security.EventAuthorizationCodeReuseDetected, ac.SubjectID, client.ID, ac.GrantID, clientIP, n)
	s.instrumentation.Metrics().RecordCodeReuseDetected(ctx, client.ID)
	s.Logger.Warn("Authorization code reuse detected, grant revoked",
		"client_id", client.ID,
		"grant_id", util.SafeTruncate(ac.GrantID, idLogLength),
		"revoked_records", n)
}

func (s *Server) checkVerifier(ctx context.Context, ac *storage.AuthorizationCode, verifier string) error {
	if ac.CodeChallenge == "" {
		if verifier != "" {
			return errors.New("code_verifier sent for a request without code_challenge")
		}
		return nil
	}
	if err := VerifyPKCE(ac.CodeChallenge, ac.CodeChallengeMethod, verifier); err != nil {
		s.instrumentation.Metrics().RecordPKCEValidationFailed(ctx, ac.CodeChallengeMethod)
		return err
	}
	return nil
}

// RefreshAccessToken issues new tokens for a refresh token. When rotation is
// enabled for the client the presented token is consumed and replaced in one
// atomic store operation. Presenting a consumed token revokes the grant.
//
// scope may narrow the granted scopes; it cannot widen them.
func (s *Server) RefreshAccessToken(ctx context.Context, client *registry.Client, refreshToken, scope string) (*oauth2.Token, error) {
	ctx, span := s.tracer.Start(ctx, "server.refresh_access_token")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ID),
		attribute.String(instrumentation.AttrGrantType, registry.GrantRefreshToken))
	clientIP := security.GetClientIP(ctx)

	g := NewGrant("", client.ID, registry.GrantRefreshToken)
	if !client.AllowsGrant(registry.GrantRefreshToken) {
		return nil, s.fail(ctx, span, g, ErrUnauthorizedClient("client is not allowed to use the refresh token grant"))
	}

	rt, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, s.fail(ctx, span, g, s.storeError("get_refresh", err))
	}
	g = NewGrant(rt.GrantID, client.ID, registry.GrantRefreshToken)
	instrumentation.AddGrantAttributes(span, client.ID, g.ID, strings.Join(rt.Scopes, " "))

	if rt.ClientID != client.ID {
		s.Auditor.LogAuthFailure(rt.SubjectID, client.ID, clientIP, "refresh_token_client_mismatch")
		return nil, s.fail(ctx, span, g, ErrInvalidGrant("refresh token was not issued to this client"))
	}
	if rt.Revoked {
		return nil, s.fail(ctx, span, g, ErrInvalidGrant("refresh token has been revoked"))
	}
	if rt.Consumed {
		s.handleRefreshReuse(ctx, client, rt, clientIP)
		return nil, s.fail(ctx, span, g, ErrInvalidGrant("refresh token has already been used"))
	}
	revoked, err := s.store.IsGrantRevoked(ctx, rt.GrantID)
	if err != nil {
		return nil, s.fail(ctx, span, g, s.storeError("is_grant_revoked", err))
	}
	if revoked {
		return nil, s.fail(ctx, span, g, ErrInvalidGrant("grant has been revoked"))
	}

	scopes, err := s.refreshScopes(client, rt, scope)
	if err != nil {
		if oe := AsError(err); oe.Code == ErrorCodeInvalidScope {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				Outcome:   security.OutcomeFailure,
				SubjectID: rt.SubjectID,
				ClientID:  client.ID,
				GrantID:   g.ID,
				IPAddress: clientIP,
				Details:   map[string]any{"requested_scope": scope},
			})
		}
		return nil, s.fail(ctx, span, g, err)
	}
	if err := s.advance(span, g, StateAuthorized); err != nil {
		return nil, s.fail(ctx, span, g, err)
	}

	claims, err := s.subjectClaims(ctx, rt.SubjectID, scopes)
	if err != nil {
		return nil, s.fail(ctx, span, g, err)
	}

	mode := token.RefreshKeep
	if s.Config.AllowRefreshTokenRotation && client.RotateRefreshTokens {
		mode = token.RefreshRotate
	}
	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrTokenRotated, mode == token.RefreshRotate),
		attribute.Int(instrumentation.AttrGeneration, rt.Generation))

	tok, err := s.issuer.Issue(ctx, token.IssueRequest{
		GrantType:             registry.GrantRefreshToken,
		GrantID:               rt.GrantID,
		ClientID:              client.ID,
		SubjectID:             rt.SubjectID,
		Scopes:                scopes,
		AccessTokenTTL:        client.AccessTokenTTL,
		RefreshTokenTTL:       client.RefreshTokenTTL,
		IDToken:               true,
		AuthTime:              rt.AuthTime,
		SubjectClaims:         claims,
		Refresh:               mode,
		PresentedRefreshToken: refreshToken,
		RefreshScopes:         rt.Scopes,
		Generation:            rt.Generation,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConsumed) {
			// lost a concurrent rotation of the same token
			s.handleRefreshReuse(ctx, client, rt, clientIP)
		}
		return nil, s.fail(ctx, span, g, s.issueError(err))
	}

	if err := s.advance(span, g, StateTokenIssued); err != nil {
		return nil, s.fail(ctx, span, g, err)
	}
	s.Auditor.LogTokenRefreshed(rt.SubjectID, client.ID, rt.GrantID, clientIP, mode == token.RefreshRotate)
	s.instrumentation.Metrics().RecordTokensIssued(ctx, client.ID, registry.GrantRefreshToken)
	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

// refreshScopes returns the scopes for a refresh. Without a scope parameter
// the original scopes still allowed for the client are used.
func (s *Server) refreshScopes(client *registry.Client, rt *storage.RefreshToken, scope string) ([]string, error) {
	requested := util.UniqueFields(scope)
	if len(requested) == 0 {
		var scopes []string
		for _, sc := range rt.Scopes {
			if client.AllowsScope(sc) {
				scopes = append(scopes, sc)
			}
		}
		if len(scopes) == 0 {
			return nil, ErrInvalidScope("no granted scope is still allowed for this client")
		}
		return scopes, nil
	}
	if !util.IsSubset(requested, rt.Scopes) {
		return nil, ErrInvalidScope("requested scope exceeds the original grant")
	}
	for _, sc := range requested {
		if !client.AllowsScope(sc) {
			return nil, ErrInvalidScope("scope " + sc + " is no longer allowed for this client")
		}
	}
	return requested, nil
}

// handleRefreshReuse revokes the refresh token family of a replayed token.
func (s *Server) handleRefreshReuse(ctx context.Context, client *registry.Client, rt *storage.RefreshToken, clientIP string) {
	n, err := s.revokeGrant(ctx, rt.GrantID, client)
	if err != nil {
		s.Logger.Error("Failed to revoke grant of replayed refresh token",
			"grant_id", util.SafeTruncate(rt.GrantID, idLogLength),
			"error", err)
	}
	s.Auditor.LogReuseDetected(security.EventRefreshTokenReuseDetected, rt.SubjectID, client.ID, rt.GrantID, clientIP, n)
	s.instrumentation.Metrics().RecordRefreshReuseDetected(ctx, client.ID)
	s.Logger.Warn("Refresh token reuse detected, grant revoked",
		"client_id", client.ID,
		"grant_id", util.SafeTruncate(rt.GrantID, idLogLength),
		"generation", rt.Generation,
		"revoked_records", n)
}

// ClientCredentials issues an access token to a confidential client acting
// for itself. Without a scope parameter the client's non-identity scopes are
// granted. No refresh token or id token is issued.
func (s *Server) ClientCredentials(ctx context.Context, client *registry.Client, scope string) (*oauth2.Token, error) {
	ctx, span := s.tracer.Start(ctx, "server.client_credentials")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ID),
		attribute.String(instrumentation.AttrGrantType, registry.GrantClientCredentials))

	g := NewGrant(uuid.NewString(), client.ID, registry.GrantClientCredentials)
	if client.IsPublic() || !client.AllowsGrant(registry.GrantClientCredentials) {
		return nil, s.fail(ctx, span, g, ErrUnauthorizedClient("client is not allowed to use the client credentials grant"))
	}

	snap := s.registry.Snapshot()
	var scopes []string
	if strings.TrimSpace(scope) == "" {
		for _, name := range client.Scopes {
			if sc, ok := snap.Scope(name); ok && !sc.Identity {
				scopes = append(scopes, name)
			}
		}
		if len(scopes) == 0 {
			return nil, s.fail(ctx, span, g, ErrInvalidScope("client has no scope usable with client credentials"))
		}
	} else {
		var err error
		if scopes, err = ValidateScopes(snap, client, scope); err != nil {
			return nil, s.fail(ctx, span, g, err)
		}
		for _, name := range scopes {
			if sc, _ := snap.Scope(name); sc.Identity {
				return nil, s.fail(ctx, span, g, ErrInvalidScope("identity scope "+name+" needs a user"))
			}
		}
	}
	instrumentation.AddGrantAttributes(span, client.ID, g.ID, strings.Join(scopes, " "))

	if err := s.advance(span, g, StateAuthorized); err != nil {
		return nil, s.fail(ctx, span, g, err)
	}
	tok, err := s.issuer.Issue(ctx, token.IssueRequest{
		GrantType:      registry.GrantClientCredentials,
		GrantID:        g.ID,
		ClientID:       client.ID,
		Scopes:         scopes,
		AccessTokenTTL: client.AccessTokenTTL,
		Refresh:        token.RefreshNone,
	})
	if err != nil {
		return nil, s.fail(ctx, span, g, s.issueError(err))
	}
	if err := s.advance(span, g, StateTokenIssued); err != nil {
		return nil, s.fail(ctx, span, g, err)
	}

	s.Auditor.LogTokenIssued("", client.ID, g.ID, security.GetClientIP(ctx), registry.GrantClientCredentials, strings.Join(scopes, " "))
	s.instrumentation.Metrics().RecordTokensIssued(ctx, client.ID, registry.GrantClientCredentials)
	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

// subjectClaims loads the claims released by scopes. Nothing is loaded
// unless openid was granted.
func (s *Server) subjectClaims(ctx context.Context, subjectID string, scopes []string) (map[string]any, error) {
	if !util.Contains(scopes, ScopeOpenID) || subjectID == "" {
		return nil, nil
	}
	claims, err := s.credentials.LoadClaims(ctx, subjectID)
	if err != nil {
		return nil, s.credentialError("load_claims", err)
	}
	return claims.Filter(s.registry.Snapshot().ClaimsFor(scopes)), nil
}

func (s *Server) issueError(err error) *Error {
	switch {
	case errors.Is(err, token.ErrNoActiveKey):
		s.Logger.Error("No active signing key", "error", err)
		return ErrServerError().WithCause(err)
	case errors.Is(err, storage.ErrConsumed), errors.Is(err, storage.ErrRevoked),
		errors.Is(err, storage.ErrExpired), errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrUnavailable):
		return s.storeError("issue", err)
	}
	s.Logger.Error("Token issuance failed", "error", err)
	return ErrServerError().WithCause(err)
}

// approvedScopes returns the requested scopes that were approved, in
// request order.
func approvedScopes(requested, approved []string) []string {
	var out []string
	for _, sc := range requested {
		if util.Contains(approved, sc) {
			out = append(out, sc)
		}
	}
	return out
}

// excess returns the scopes of a not in b.
func excess(a, b []string) []string {
	var out []string
	for _, sc := range a {
		if !util.Contains(b, sc) {
			out = append(out, sc)
		}
	}
	return out
}
