package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// wsStream adapts a WebSocket connection to AgentStream. Only Binary frames
// carry payloads; unexpected text frames are ignored. A Close frame from the
// peer is a graceful end of stream.
type wsStream struct {
	conn *websocket.Conn
}

// AcceptWebSocket upgrades an agent HTTP request to a WebSocket AgentStream.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (AgentStream, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Agents are not browsers; origin checks do not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket accept: %w", err)
	}
	// Frames carry metric batches well above the library default read limit.
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &wsStream{conn: conn}, nil
}

func dialWebSocket(ctx context.Context, rawURL string, opts DialOptions) (AgentStream, error) {
	var dialOpts *websocket.DialOptions
	if opts.TLSSkipVerify {
		dialOpts = &websocket.DialOptions{
			HTTPClient: &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // operator opt-in
				},
			},
		}
	}
	conn, _, err := websocket.Dial(ctx, rawURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &wsStream{conn: conn}, nil
}

func (s *wsStream) Recv(ctx context.Context) (*protocol.Envelope, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		return protocol.Decode(data)
	}
}

func (s *wsStream) Send(ctx context.Context, env *protocol.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *wsStream) Kind() string { return KindWebSocket }
