package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// StateCookie 在 OAuth 跳转期间保存 state 与登录后的回跳地址。
const StateCookie = "mappl_oauth_state"

var ErrUnknownProvider = errors.New("unknown oauth provider")

// Profile 是从身份提供方拿到的用户资料，ID 已带提供方前缀。
type Profile struct {
	ID        string
	Provider  string
	Name      string
	Email     string
	AvatarURL string
}

// Provider 抽象一个 OAuth2 授权码流程的身份提供方。
type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Profile, error)
}

// GoogleProvider 使用 OIDC 发现与 ID Token 校验。
type GoogleProvider struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

const googleIssuer = "https://accounts.google.com"

func NewGoogleProvider(ctx context.Context, clientID, clientSecret, redirectURL string) (*GoogleProvider, error) {
	return newOIDCProvider(ctx, googleIssuer, clientID, clientSecret, redirectURL)
}

func newOIDCProvider(ctx context.Context, issuer, clientID, clientSecret, redirectURL string) (*GoogleProvider, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     p.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: p.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

func (g *GoogleProvider) Name() string { return "google" }

func (g *GoogleProvider) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state)
}

func (g *GoogleProvider) Exchange(ctx context.Context, code string) (Profile, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("exchange code: %w", err)
	}
	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return Profile{}, errors.New("no id_token in token response")
	}
	idt, err := g.verifier.Verify(ctx, rawID)
	if err != nil {
		return Profile{}, fmt.Errorf("verify id_token: %w", err)
	}
	var claims struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idt.Claims(&claims); err != nil {
		return Profile{}, err
	}
	return Profile{
		ID:        "google:" + idt.Subject,
		Provider:  "google",
		Name:      claims.Name,
		Email:     claims.Email,
		AvatarURL: claims.Picture,
	}, nil
}

// GitHubProvider 通过 REST /user 接口获取资料。
type GitHubProvider struct {
	oauth  *oauth2.Config
	apiURL string
}

func NewGitHubProvider(clientID, clientSecret, redirectURL string) *GitHubProvider {
	return &GitHubProvider{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     github.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiURL: "https://api.github.com",
	}
}

func (g *GitHubProvider) Name() string { return "github" }

func (g *GitHubProvider) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state)
}

func (g *GitHubProvider) Exchange(ctx context.Context, code string) (Profile, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("exchange code: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL+"/user", nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := g.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("github user: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("github user: status %d", resp.StatusCode)
	}
	var u struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return Profile{}, fmt.Errorf("decode github user: %w", err)
	}
	if u.ID == 0 {
		return Profile{}, errors.New("github user without id")
	}
	id := strconv.FormatInt(u.ID, 10)
	name := u.Name
	if name == "" {
		name = u.Login
	}
	avatar := u.AvatarURL
	if avatar == "" {
		avatar = "https://avatars.githubusercontent.com/u/" + id
	}
	return Profile{ID: "github:" + id, Provider: "github", Name: name, Email: u.Email, AvatarURL: avatar}, nil
}

// Providers 按名称索引已配置的身份提供方。
type Providers map[string]Provider

func (p Providers) Get(name string) (Provider, error) {
	prov, ok := p[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return prov, nil
}

// NewState 生成一次性的 OAuth state。
func NewState() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SafeNext 只允许站内相对路径作为登录后的回跳地址。
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return "/events"
	}
	return next
}
