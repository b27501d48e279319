package ipc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/wonderland/bridge/internal/config"
	"github.com/wonderland/bridge/pkg/packet"
	"github.com/wonderland/bridge/pkg/types"
)

// ClientConfig contains client connection settings
type ClientConfig struct {
	MaxMessageSize int
	WriteTimeout   time.Duration
	// ReadTimeout bounds each Receive; zero waits forever
	ReadTimeout time.Duration
}

// DefaultClientConfig returns the default client settings
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxMessageSize: config.DefaultMaxMessageSize,
		WriteTimeout:   config.DefaultWriteTimeout,
	}
}

// Client is a peer connection to a bridge: either an observer after
// Hello or the service after Attach
type Client struct {
	conn    net.Conn
	cfg     ClientConfig
	writeMu sync.Mutex
	commID  string
}

// Dial connects to the bridge socket at path
func Dial(ctx context.Context, path string, cfg ClientConfig) (*Client, error) {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to "+path, err)
	}

	return &Client{conn: conn, cfg: cfg}, nil
}

// Hello performs the observer handshake and returns the assigned comm id.
// A denial is returned as an ADMISSION_DENIED error carrying the reason.
func (c *Client) Hello(ip, port string) (string, error) {
	if err := c.Send(packet.OpHello, ip, port); err != nil {
		return "", err
	}
	id, err := c.expectWelcome()
	if err != nil {
		return "", err
	}
	c.commID = id
	return id, nil
}

// Attach performs the service handshake
func (c *Client) Attach(wonderlandID string) error {
	if err := c.Send(packet.OpAttach, wonderlandID); err != nil {
		return err
	}
	_, err := c.expectWelcome()
	return err
}

func (c *Client) expectWelcome() (string, error) {
	pkt, err := c.Receive()
	if err != nil {
		return "", err
	}
	switch pkt.Op {
	case packet.OpWelcome:
		return pkt.Field(0), nil
	case packet.OpError:
		return "", RemoteError(pkt)
	default:
		return "", types.NewError(types.ErrCodeMalformedPacket, "unexpected handshake reply: "+pkt.String())
	}
}

// CommID returns the comm id assigned by Hello
func (c *Client) CommID() string {
	return c.commID
}

// Send compiles and writes one packet
func (c *Client) Send(op packet.Op, fields ...string) error {
	body, err := packet.Compile(op, fields...)
	if err != nil {
		return err
	}
	return c.SendRaw(body)
}

// SendRaw writes a pre-compiled packet body
func (c *Client) SendRaw(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, body, c.cfg.WriteTimeout)
}

// Receive reads and decodes the next packet from the bridge
func (c *Client) Receive() (packet.Packet, error) {
	body, err := ReadMessage(c.conn, c.cfg.MaxMessageSize, c.cfg.ReadTimeout)
	if err != nil {
		return packet.Packet{}, err
	}
	return packet.Decode(body, clientTable)
}

// ReceiveRaw reads the next packet body without decoding it
func (c *Client) ReceiveRaw() ([]byte, error) {
	return ReadMessage(c.conn, c.cfg.MaxMessageSize, c.cfg.ReadTimeout)
}

// Conn returns the underlying connection
func (c *Client) Conn() net.Conn {
	return c.conn
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// RemoteError converts an Error packet into a coded error
func RemoteError(pkt packet.Packet) error {
	return types.NewError(pkt.Field(0), pkt.Field(1))
}
