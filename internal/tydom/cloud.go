package tydom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Vendor cloud endpoints. Overridable per instance for tests.
const (
	defaultAuthMetadataURL = "https://deltadoreadminoauth.b2clogin.com/deltadoreadminoauth.onmicrosoft.com/b2c_1a_signup_signin/v2.0/.well-known/openid-configuration"
	defaultSitesURL        = "https://prod.iotdeltadore.com/sitesmanagement/api/v1/sites"
	defaultClientID        = "8782839f-3264-472a-ab87-4d4e23524da4"
	defaultScope           = "openid profile offline_access 8782839f-3264-472a-ab87-4d4e23524da4"
)

// Site is one installation known to a cloud account.
type Site struct {
	ID         string
	Name       string
	GatewayMAC string
}

// CloudClient talks to the vendor cloud: OAuth password grant, site listing
// and gateway password resolution. Failures propagate opaquely; callers
// treat the cloud as an external collaborator with a fixed contract.
type CloudClient struct {
	AuthMetadataURL string
	SitesURL        string
	ClientID        string
	Scope           string
	logger          *slog.Logger
}

// NewCloudClient creates a client against the production vendor cloud.
func NewCloudClient(logger *slog.Logger) *CloudClient {
	return &CloudClient{
		AuthMetadataURL: defaultAuthMetadataURL,
		SitesURL:        defaultSitesURL,
		ClientID:        defaultClientID,
		Scope:           defaultScope,
		logger:          logger.With("component", "cloud"),
	}
}

// FetchGatewayPassword resolves the site-specific password for the gateway
// with the given normalized MAC.
func (cc *CloudClient) FetchGatewayPassword(ctx context.Context, session *http.Client, creds CloudCredentials, mac string) (string, error) {
	payload, err := cc.fetchSitesPayload(ctx, session, creds)
	if err != nil {
		return "", err
	}
	for _, site := range payload.Sites {
		for _, gw := range site.Gateways {
			normalized, err := NormalizeMAC(gw.MAC)
			if err != nil {
				continue
			}
			if normalized == mac {
				return gw.Password, nil
			}
		}
	}
	return "", fmt.Errorf("no site carries gateway %s", mac)
}

// ListSites lists the installations the account can reach.
func (cc *CloudClient) ListSites(ctx context.Context, session *http.Client, creds CloudCredentials) ([]Site, error) {
	payload, err := cc.fetchSitesPayload(ctx, session, creds)
	if err != nil {
		return nil, err
	}
	sites := make([]Site, 0, len(payload.Sites))
	for _, s := range payload.Sites {
		site := Site{ID: s.ID, Name: s.Name}
		if len(s.Gateways) > 0 {
			if normalized, err := NormalizeMAC(s.Gateways[0].MAC); err == nil {
				site.GatewayMAC = normalized
			}
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// sitesPayload is the sitesmanagement response.
type sitesPayload struct {
	Sites []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Gateways []struct {
			MAC      string `json:"mac"`
			Password string `json:"password"`
		} `json:"gateways"`
	} `json:"sites"`
}

func (cc *CloudClient) fetchSitesPayload(ctx context.Context, session *http.Client, creds CloudCredentials) (*sitesPayload, error) {
	token, err := cc.accessToken(ctx, session, creds)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cc.SitesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("sites request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list sites: status %d", resp.StatusCode)
	}

	var payload sitesPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode sites payload: %w", err)
	}
	return &payload, nil
}

// accessToken runs the OAuth password grant: discover the token endpoint
// from the OpenID metadata, then exchange the account credentials.
func (cc *CloudClient) accessToken(ctx context.Context, session *http.Client, creds CloudCredentials) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cc.AuthMetadataURL, nil)
	if err != nil {
		return "", fmt.Errorf("auth metadata request: %w", err)
	}
	resp, err := session.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth metadata: %w", err)
	}
	var metadata struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	err = json.NewDecoder(resp.Body).Decode(&metadata)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("decode auth metadata: %w", err)
	}
	if metadata.TokenEndpoint == "" {
		return "", fmt.Errorf("auth metadata has no token endpoint")
	}

	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {cc.ClientID},
		"scope":      {cc.Scope},
		"username":   {creds.Email},
		"password":   {creds.Password},
	}
	tokenReq, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	tokenResp, err := session.Do(tokenReq)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer tokenResp.Body.Close()
	if tokenResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(tokenResp.Body, 512))
		return "", fmt.Errorf("token exchange: status %d: %s", tokenResp.StatusCode, body)
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(tokenResp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token response has no access token")
	}
	return token.AccessToken, nil
}
