package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tilecraft.ai/internal/protocol"
)

// Client is the UI side of a remote lighting channel.
type Client struct {
	conn    *websocket.Conn
	welcome protocol.WelcomeMsg

	wmu sync.Mutex

	deltas  chan protocol.LightDeltaMsg
	errs    chan protocol.ErrorMsg
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
	err     error
}

// Dial connects, sends HELLO and waits for WELCOME.
func Dial(ctx context.Context, url, clientName string, maxQueue int) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      clientName,
		MaxQueue:        maxQueue,
	}
	if err := writeJSON(conn, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if base.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		_ = json.Unmarshal(msg, &e)
		_ = conn.Close()
		return nil, fmt.Errorf("handshake rejected: %s %s", e.Code, e.Message)
	}
	var welcome protocol.WelcomeMsg
	if base.Type != protocol.TypeWelcome || json.Unmarshal(msg, &welcome) != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %q", base.Type)
	}

	if maxQueue <= 0 {
		maxQueue = 16
	}
	c := &Client{
		conn:    conn,
		welcome: welcome,
		deltas:  make(chan protocol.LightDeltaMsg, maxQueue),
		errs:    make(chan protocol.ErrorMsg, 8),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// Deltas is closed when the connection ends.
func (c *Client) Deltas() <-chan protocol.LightDeltaMsg { return c.deltas }
func (c *Client) Errors() <-chan protocol.ErrorMsg      { return c.errs }
func (c *Client) Done() <-chan struct{}                 { return c.done }

// Err reports why the connection ended, once Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) Send(cmd protocol.Command) error {
	select {
	case <-c.done:
		return errors.New("ws: connection closed")
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeJSON(c.conn, cmd)
}

func (c *Client) Close() error {
	c.once.Do(func() { close(c.closing) })
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer func() {
		close(c.deltas)
		close(c.done)
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeLightDelta:
			var d protocol.LightDeltaMsg
			if err := json.Unmarshal(msg, &d); err != nil {
				continue
			}
			select {
			case c.deltas <- d:
			case <-c.closing:
				return
			}
		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			select {
			case c.errs <- e:
			default:
			}
		}
	}
}
