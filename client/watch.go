package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"pkt.systems/editlock/api"
)

// Watcher streams lock events for one resource over a websocket.
type Watcher struct {
	conn   *websocket.Conn
	events chan api.LockEvent
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Watch opens an event stream for resourceID. The stream ends when ctx is
// cancelled, Close is called or the server goes away.
func (c *Client) Watch(ctx context.Context, resourceID string) (*Watcher, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := c.websocketURL(lockPath(resourceID, "watch"))
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: c.httpTimeout,
		NetDialContext:   c.dialContext,
		TLSClientConfig:  c.tlsConfig(),
	}
	header := http.Header{}
	c.applyHeaders(ctx, header)
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("watch %s: %w", resourceID, err)
	}
	w := &Watcher{
		conn:   conn,
		events: make(chan api.LockEvent, 16),
		done:   make(chan struct{}),
	}
	go w.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-w.done:
		}
	}()
	c.logger.Debug("client.watch.open", "resource", resourceID)
	return w, nil
}

// Events delivers decoded events. The channel is closed when the stream
// ends.
func (w *Watcher) Events() <-chan api.LockEvent {
	return w.events
}

// Err returns the error that ended the stream, nil after a clean close.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close terminates the stream.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteMessage(websocket.CloseMessage, msg)
		err = w.conn.Close()
	})
	return err
}

func (w *Watcher) readLoop() {
	defer close(w.events)
	defer close(w.done)
	for {
		var evt api.LockEvent
		if err := w.conn.ReadJSON(&evt); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) && !isClosedConn(err) {
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
			}
			_ = w.Close()
			return
		}
		w.events <- evt
	}
}

func isClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

func (c *Client) websocketURL(path string) (string, error) {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + path, nil
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + path, nil
	default:
		return "", fmt.Errorf("cannot derive websocket url from %q", c.baseURL)
	}
}

func (c *Client) tlsConfig() *tls.Config {
	if c.httpClient == nil {
		return nil
	}
	if tr, ok := c.httpClient.Transport.(*http.Transport); ok && tr.TLSClientConfig != nil {
		return tr.TLSClientConfig.Clone()
	}
	return nil
}
