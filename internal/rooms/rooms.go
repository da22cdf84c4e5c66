// Package rooms is a client for the room-membership service of the relay.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrUnauthorized = errors.New("not logged in")
)

// Room is what the service reports about a room.
type Room struct {
	ID           string `json:"roomId"`
	Code         string `json:"code"`
	CreatorID    string `json:"creatorId,omitempty"`
	Participants int    `json:"participants"`
}

// Client talks to the rooms API at a base URL such as http://host:8080.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	userID  string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// UserID returns the id assigned at login.
func (c *Client) UserID() string {
	return c.userID
}

// Login obtains a bearer token used by Create.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.call(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token = resp.Token
	c.userID = resp.UserID
	return nil
}

// Create makes a new room owned by the logged-in user.
func (c *Client) Create(ctx context.Context) (Room, error) {
	if c.token == "" {
		return Room{}, ErrUnauthorized
	}
	var room Room
	if err := c.call(ctx, http.MethodPost, "/api/rooms/create", nil, &room); err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// Join checks that the room identified by id or code exists and has a free
// slot, and returns its canonical id.
func (c *Client) Join(ctx context.Context, idOrCode string) (Room, error) {
	var room Room
	body := map[string]string{"roomId": idOrCode}
	if err := c.call(ctx, http.MethodPost, "/api/rooms/join", body, &room); err != nil {
		return Room{}, fmt.Errorf("join room %s: %w", idOrCode, err)
	}
	return room, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNotFound:
		return ErrRoomNotFound
	case http.StatusConflict:
		return ErrRoomFull
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	if apiErr.Error == "" {
		apiErr.Error = resp.Status
	}
	return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
}
