package voicelive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	realtimePath = "/voice-live/realtime"

	// APIKeyHeader carries the resource key on the upgrade request.
	APIKeyHeader = "api-key"

	handshakeTimeout = 15 * time.Second
)

var (
	ErrMissingEndpoint = errors.New("AZURE_SPEECH_ENDPOINT is not configured")
	ErrMissingAPIKey   = errors.New("AZURE_SPEECH_KEY is not configured")
	ErrInvalidEndpoint = errors.New("speech endpoint must be an https:// URL")
)

// Credentials supplies the upstream resource address and its key.
type Credentials interface {
	Endpoint() string
	APIKey() string
}

// Target is a fully resolved upstream connection request.
type Target struct {
	URL    string
	Header http.Header
}

// BuildURL turns a Speech resource endpoint into the Voice Live realtime URL.
// https becomes wss; http becomes ws so local stand-ins can be used in tests.
func BuildURL(endpoint, apiVersion, model string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", ErrMissingEndpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", ErrInvalidEndpoint
	}
	if u.Host == "" {
		return "", ErrInvalidEndpoint
	}

	u.Path = strings.TrimRight(u.Path, "/") + realtimePath
	q := url.Values{}
	q.Set("api-version", apiVersion)
	q.Set("model", model)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// Dialer opens upstream Voice Live connections with server-held credentials.
type Dialer struct {
	Credentials Credentials
	APIVersion  string
	Model       string

	// WS overrides the websocket dialer, mostly for tests.
	WS *websocket.Dialer
}

// Prepare resolves the upstream URL and auth header. Configuration problems
// are reported here, before any network activity.
func (d *Dialer) Prepare() (*Target, error) {
	if d == nil || d.Credentials == nil {
		return nil, ErrMissingEndpoint
	}
	u, err := BuildURL(d.Credentials.Endpoint(), d.APIVersion, d.Model)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(d.Credentials.APIKey())
	if key == "" {
		return nil, ErrMissingAPIKey
	}

	header := http.Header{}
	header.Set(APIKeyHeader, key)
	return &Target{URL: u, Header: header}, nil
}

// Connect dials the prepared target.
func (d *Dialer) Connect(ctx context.Context, t *Target) (*websocket.Conn, error) {
	ws := d.WS
	if ws == nil {
		ws = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		}
	}

	conn, resp, err := ws.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}
