// Package wsclient is the participant side of the socket relay binding.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Transport is a core.SignalTransport over one websocket.
type Transport struct {
	conn *websocket.Conn
	msgs chan core.Message
	done chan struct{}

	writeMu sync.Mutex
	once    sync.Once
}

// Dial connects as p. A non-empty channel is joined during the handshake.
func Dial(ctx context.Context, server string, p domain.Participant, channel domain.ChannelID) (*Transport, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("userId", p.ID.String())
	q.Set("username", p.DisplayName)
	if channel != "" {
		q.Set("channel", channel.String())
		q.Set("kind", string(domain.ChannelVoice))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	t := &Transport{
		conn: conn,
		msgs: make(chan core.Message, 64),
		done: make(chan struct{}),
	}
	go t.readLoop(p.ID)
	return t, nil
}

func (t *Transport) readLoop(id domain.ParticipantID) {
	defer close(t.msgs)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "wsclient").Str("participant", id.String()).Msg("read")
			}
			return
		}
		msg, err := core.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("bad frame")
			continue
		}
		select {
		case t.msgs <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) Send(ctx context.Context, msg core.Message) error {
	frame, err := core.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return core.ErrConnClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (t *Transport) Messages() <-chan core.Message { return t.msgs }

// Close ends the session with a normal close frame. Idempotent.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		werr := t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		t.writeMu.Unlock()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			log.Debug().Err(werr).Str("module", "wsclient").Msg("close frame")
		}
		err = t.conn.Close()
	})
	return err
}
