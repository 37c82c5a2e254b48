package tydom

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// Transport and configuration errors.
var (
	ErrNotConnected       = errors.New("not connected to gateway")
	ErrMissingCredentials = errors.New("no gateway password and no cloud credentials")
	ErrMissingPassword    = errors.New("cloud returned an empty gateway password")
)

// PasswordFetcher resolves the gateway password through the vendor cloud.
type PasswordFetcher func(ctx context.Context, session *http.Client, creds CloudCredentials, mac string) (string, error)

// Connection owns one WebSocket session to the gateway: the digest
// handshake, the socket, the receive loop and the producing end of the
// incoming-payload stream. A Connection is single-use; after its stream
// ends, build a new one to reconnect.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	makeSession   func(verifyTLS bool) *http.Client
	fetchPassword PasswordFetcher
	random        RandomBytes
	onDisconnect  func()

	mu             sync.Mutex
	conn           *websocket.Conn
	session        *http.Client
	cancelRecv     context.CancelFunc
	msgs           chan []byte
	disconnectOnce *sync.Once
}

// ConnectionOption customizes a Connection.
type ConnectionOption func(*Connection)

// WithSession replaces the HTTP session factory.
func WithSession(factory func(verifyTLS bool) *http.Client) ConnectionOption {
	return func(c *Connection) { c.makeSession = factory }
}

// WithPasswordFetcher replaces the cloud password collaborator.
func WithPasswordFetcher(f PasswordFetcher) ConnectionOption {
	return func(c *Connection) { c.fetchPassword = f }
}

// WithRandomBytes pins the randomness source (cnonce, websocket key).
func WithRandomBytes(r RandomBytes) ConnectionOption {
	return func(c *Connection) { c.random = r }
}

// WithOnDisconnect registers a callback run once at shutdown, before the
// session is invalidated.
func WithOnDisconnect(fn func()) ConnectionOption {
	return func(c *Connection) { c.onDisconnect = fn }
}

// NewConnection creates a disconnected Connection.
func NewConnection(cfg Config, logger *slog.Logger, opts ...ConnectionOption) *Connection {
	c := &Connection{
		cfg:    cfg,
		logger: logger.With("component", "connection", "mode", cfg.Mode.String()),
		random: cryptoRandomBytes,
	}
	// No http.Client.Timeout: it would tear down the upgraded WebSocket
	// (and nhooyr rejects it). Timeouts ride on per-operation contexts.
	c.makeSession = func(verifyTLS bool) *http.Client {
		return &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifyTLS},
			},
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect performs the digest handshake and WebSocket upgrade, then spawns
// the receive loop. Calling Connect on a connected Connection is a no-op.
// On error the Connection is left clean; Disconnect stays safe to call.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	session := c.makeSession(c.cfg.VerifyTLS)

	password, err := c.resolvePassword(ctx, session)
	if err != nil {
		return err
	}

	challenge, err := c.fetchChallenge(ctx, session)
	if err != nil {
		return err
	}

	authorization, err := challenge.Authorization(c.cfg.MAC, password, http.MethodGet, c.cfg.mediationQuery(), c.random)
	if err != nil {
		return fmt.Errorf("build authorization: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", authorization)
	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.websocketURL(), &websocket.DialOptions{
		HTTPClient: session,
		HTTPHeader: header,
	})
	if err != nil {
		session.CloseIdleConnections()
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	recvCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.session = session
	c.cancelRecv = cancel
	c.msgs = make(chan []byte, 256)
	c.disconnectOnce = &sync.Once{}
	msgs := c.msgs
	c.mu.Unlock()

	go c.receiveLoop(recvCtx, conn, msgs)
	c.logger.Info("connected", "host", c.cfg.Host)
	return nil
}

func (c *Connection) resolvePassword(ctx context.Context, session *http.Client) (string, error) {
	if c.cfg.Password != "" {
		return c.cfg.Password, nil
	}
	if c.cfg.Cloud == nil || c.fetchPassword == nil {
		return "", ErrMissingCredentials
	}
	password, err := c.fetchPassword(ctx, session, *c.cfg.Cloud, c.cfg.MAC)
	if err != nil {
		return "", fmt.Errorf("fetch gateway password: %w", err)
	}
	if password == "" {
		return "", ErrMissingPassword
	}
	return password, nil
}

// fetchChallenge issues the HTTPS GET that the gateway answers with 401 and
// a digest challenge. The request must look like a WebSocket handshake or
// the gateway closes the connection without answering.
func (c *Connection) fetchChallenge(ctx context.Context, session *http.Client) (*DigestChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.challengeURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("challenge request: %w", err)
	}
	key, err := c.random(16)
	if err != nil {
		return nil, fmt.Errorf("websocket key: %w", err)
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Key", base64.StdEncoding.EncodeToString(key))
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Host = c.cfg.hostPort()

	resp, err := session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	header := resp.Header.Get("Www-Authenticate")
	if header == "" {
		return nil, fmt.Errorf("%w (status %d)", ErrMissingChallenge, resp.StatusCode)
	}
	challenge, err := ParseDigestChallenge(header)
	if err != nil {
		return nil, err
	}
	return challenge, nil
}

// Send transmits one frame. In remote mode the 0x02 prefix is prepended.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	kind := websocket.MessageText
	if c.cfg.Mode == ModeRemote {
		framed := make([]byte, 0, len(payload)+1)
		framed = append(framed, remotePrefix)
		framed = append(framed, payload...)
		payload = framed
		kind = websocket.MessageBinary
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()
	if err := conn.Write(ctx, kind, payload); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// SendCommand transmits a built command frame.
func (c *Connection) SendCommand(ctx context.Context, cmd Command) error {
	return c.Send(ctx, []byte(cmd))
}

// Messages returns the incoming-payload stream for the current session, in
// receipt order, with the remote-mode prefix stripped. The channel closes
// when the receive loop exits. Nil before the first Connect.
func (c *Connection) Messages() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs
}

func (c *Connection) receiveLoop(ctx context.Context, conn *websocket.Conn, msgs chan []byte) {
	defer close(msgs)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("receive loop ended", "err", err)
				// Transport failure: clear the socket so Send reports
				// ErrNotConnected. The higher layer decides whether to
				// reconnect.
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
			}
			return
		}
		if c.cfg.Mode == ModeRemote && len(data) > 0 && data[0] == remotePrefix {
			data = data[1:]
		}
		select {
		case msgs <- data:
		case <-ctx.Done():
			return
		}
	}
}

// Disconnect cancels the receive loop, closes the socket with a going-away
// reason and invalidates the session. Idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	session := c.session
	cancel := c.cancelRecv
	once := c.disconnectOnce
	c.conn = nil
	c.session = nil
	c.cancelRecv = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "client disconnect")
	}
	if once != nil && c.onDisconnect != nil {
		once.Do(c.onDisconnect)
	}
	if session != nil {
		session.CloseIdleConnections()
	}
	c.logger.Debug("disconnected")
}
