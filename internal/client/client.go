// Package client 通过 HTTP 接口和实时推送访问 mappl 服务端，实现 roomsync.Backend，
// 让 roomsync.Chat 可以脱离浏览器运行。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mappl/internal/roomsync"
	"mappl/internal/service"

	"github.com/gorilla/websocket"
)

// ErrStatus 包装所有非 2xx 响应。
var ErrStatus = errors.New("unexpected status")

// StatusError 携带状态码与服务端返回的错误信息。
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %d", ErrStatus, e.Code)
	}
	return fmt.Sprintf("%s %d: %s", ErrStatus, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// HasStatus 判断 err 是否为指定状态码的 StatusError。
func HasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
	ping   time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithPingInterval 设置实时连接发送应用层 ping 的间隔，0 表示不发送。
func WithPingInterval(d time.Duration) Option { return func(c *Client) { c.ping = d } }

// New 创建访问 baseURL 的客户端，token 为会话令牌，只读时可为空。
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
	c := &Client{
		base:   u,
		token:  token,
		http:   &http.Client{Timeout: 15 * time.Second},
		dialer: websocket.DefaultDialer,
		ping:   25 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Me 返回当前登录用户。
func (c *Client) Me(ctx context.Context) (*service.UserDTO, error) {
	var u service.UserDTO
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) ListEvents(ctx context.Context, f service.EventFilter) ([]service.EventDTO, error) {
	q := url.Values{}
	if f.CreatorID != "" {
		q.Set("creatorId", f.CreatorID)
	}
	if f.JoinedBy != "" {
		q.Set("joinedBy", f.JoinedBy)
	}
	if f.Code != "" {
		q.Set("code", f.Code)
	}
	var resp struct {
		Data []service.EventDTO `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/events", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) GetEvent(ctx context.Context, id string) (*service.EventDTO, error) {
	var e service.EventDTO
	if err := c.do(ctx, http.MethodGet, "/api/v1/events/"+url.PathEscape(id), nil, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// MembershipOf 把活动转换为 roomsync.Gate 校验用的成员信息。
func MembershipOf(e *service.EventDTO) roomsync.Membership {
	if e == nil {
		return roomsync.Membership{}
	}
	return roomsync.Membership{EventID: e.ID, CreatorID: e.CreatorID, Joiners: append([]string(nil), e.Joiners...)}
}

// JoinEvent 以会话用户身份加入活动。服务端只认会话，userID 仅用于核对返回的加入者列表。
func (c *Client) JoinEvent(ctx context.Context, eventID, userID string) (roomsync.Membership, error) {
	var e service.EventDTO
	if err := c.do(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(eventID)+"/join", nil, nil, &e); err != nil {
		return roomsync.Membership{}, err
	}
	m := MembershipOf(&e)
	if userID != "" && !roomsync.CanParticipate(m, userID) {
		return roomsync.Membership{}, fmt.Errorf("join %s: %s missing from joiners", eventID, userID)
	}
	return m, nil
}

func (c *Client) FetchInitialMessages(ctx context.Context, room string, limit int, cursor string) ([]roomsync.Message, error) {
	q := url.Values{"code": {room}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var msgs []roomsync.Message
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages", q, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, room, senderID, text string) (roomsync.Message, error) {
	body := map[string]string{"code": room, "userId": senderID, "text": text}
	var m roomsync.Message
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", nil, body, &m); err != nil {
		return roomsync.Message{}, err
	}
	return m, nil
}
