// Package channel maintains the persistent WebSocket conversation with the
// assistant backend. One channel carries every utterance of a session: the
// client streams WAV audio frames and JSON control messages up, the server
// answers with typed result messages that the session loop consumes.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"aria/log"
)

const (
	// Path of the voice endpoint on the backend.
	VoicePath = "/ws/voice"

	sendQueue    = 64
	messageQueue = 16
	drainTimeout = 2 * time.Second
)

// Kind discriminates server messages.
type Kind string

const (
	KindStatus            Kind = "status"
	KindTranscription     Kind = "transcription"
	KindRequestScreenshot Kind = "request_screenshot"
	KindRAGResult         Kind = "rag_result"
	KindVisionResult      Kind = "vision_result"
	KindChatResult        Kind = "chat_result"
	KindError             Kind = "error"
)

// RetrievedChunk is one document fragment cited by a rag_result.
type RetrievedChunk struct {
	DocID      string  `json:"doc_id"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Distance   float64 `json:"distance"`
}

// ServerMessage is a decoded server message. Kind selects which fields are
// populated, mirroring the backend's {"type", "data"} envelopes.
type ServerMessage struct {
	Kind     Kind
	Status   string // status and error text
	Text     string // transcription
	Language string
	Question string // request_screenshot, vision_result
	Query    string // rag_result, chat_result
	Answer   string
	Chunks   []RetrievedChunk // rag_result only
}

// IsResult reports whether the message completes an utterance round trip.
func (m ServerMessage) IsResult() bool {
	switch m.Kind {
	case KindRAGResult, KindVisionResult, KindChatResult, KindError:
		return true
	}
	return false
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type messageData struct {
	Message string `json:"message"`
}

type transcriptionData struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type screenshotRequestData struct {
	Question string `json:"question"`
}

type resultData struct {
	Query    string           `json:"query"`
	Question string           `json:"question"`
	Answer   string           `json:"answer"`
	Chunks   []RetrievedChunk `json:"retrieved_chunks"`
}

type outbound struct {
	kind    websocket.MessageType
	payload []byte
}

// Channel is a live connection to the backend voice endpoint. Open returns
// immediately; senders and Close block on the connection barrier. There is no
// automatic reconnect: once Err is set the session tears the channel down and
// opens a fresh one.
type Channel struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	connected chan struct{} // closed when the dial finished (or failed)
	sendCh    chan outbound
	messages  chan ServerMessage
	sendDone  chan struct{}
	recvDone  chan struct{}

	dialErr error // written before connected closes, read-only after

	mu      sync.Mutex
	err     error
	errOnce sync.Once
	closing bool
}

// Open dials serverURL's voice endpoint in the background and returns the
// channel at once so capture can start while the handshake is in flight.
func Open(ctx context.Context, serverURL string) *Channel {
	chCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		ctx:       chCtx,
		cancel:    cancel,
		connected: make(chan struct{}),
		sendCh:    make(chan outbound, sendQueue),
		messages:  make(chan ServerMessage, messageQueue),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
	}

	go func() {
		endpoint, err := EndpointURL(serverURL)
		if err == nil {
			var conn *websocket.Conn
			conn, _, err = websocket.Dial(chCtx, endpoint, nil)
			if err == nil {
				conn.SetReadLimit(1 << 22)
				c.conn = conn
			}
		}
		if err != nil {
			c.dialErr = fmt.Errorf("connecting to %s: %w", serverURL, err)
			c.setErr(c.dialErr)
			close(c.sendDone)
			close(c.recvDone)
			close(c.messages)
			close(c.connected)
			return
		}
		close(c.connected)
		go c.runSender()
		go c.runReceiver()
	}()

	return c
}

// EndpointURL resolves a user-supplied server address to the ws(s) URL of the
// voice endpoint. Plain host:port and http(s) forms are accepted.
func EndpointURL(server string) (string, error) {
	if !strings.Contains(server, "://") {
		server = "ws://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = VoicePath
	return u.String(), nil
}

// Ready blocks until the dial completed, returning the dial error if any.
// Transport errors after a successful dial are not reported here: the
// receiver may already have delivered a terminal message, so they surface
// through Messages closing and Err instead.
func (c *Channel) Ready(ctx context.Context) error {
	select {
	case <-c.connected:
		return c.dialErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio queues one WAV utterance frame.
func (c *Channel) SendAudio(wav []byte) error {
	return c.enqueue(outbound{websocket.MessageBinary, wav})
}

// SendEnd marks the end of the current utterance's audio.
func (c *Channel) SendEnd() error {
	return c.enqueue(outbound{websocket.MessageText, []byte(`{"type":"end"}`)})
}

// SendReset discards any audio the server has buffered for this channel.
// Used when a segment is abandoned after frames already went out, typically
// right before Close, so the frame is written synchronously instead of
// queued behind the sender.
func (c *Channel) SendReset() error {
	select {
	case <-c.connected:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	if err := c.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"reset"}`))
}

// SendScreenshot answers a request_screenshot with a captured frame. The
// image is a data URL as produced by the display bridge.
func (c *Channel) SendScreenshot(image, question string) error {
	payload, err := json.Marshal(struct {
		Type     string `json:"type"`
		Image    string `json:"image"`
		Question string `json:"question"`
	}{"screenshot", image, question})
	if err != nil {
		return err
	}
	return c.enqueue(outbound{websocket.MessageText, payload})
}

func (c *Channel) enqueue(msg outbound) error {
	if err := c.Err(); err != nil {
		return err
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// Messages returns the stream of decoded server messages. The channel is
// closed when the connection ends; check Err afterwards.
func (c *Channel) Messages() <-chan ServerMessage {
	return c.messages
}

// Err returns the first connection error, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down and waits for the receiver to drain.
func (c *Channel) Close() error {
	<-c.connected

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return c.Err()
	}
	c.closing = true
	connErr := c.err
	c.mu.Unlock()

	c.cancel()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
	select {
	case <-c.recvDone:
	case <-time.After(drainTimeout):
		log.Warn("channel receiver drain timeout")
	}
	return connErr
}

func (c *Channel) runSender() {
	defer close(c.sendDone)
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.conn.Write(c.ctx, msg.kind, msg.payload); err != nil {
				c.setErr(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) runReceiver() {
	defer close(c.recvDone)
	defer close(c.messages)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				c.setErr(err)
			}
			return
		}

		msg, err := decodeServerMessage(data)
		if err != nil {
			log.Warnf("channel: dropping undecodable message: %v", err)
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

func decodeServerMessage(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ServerMessage{}, fmt.Errorf("decoding envelope: %w", err)
	}

	msg := ServerMessage{Kind: Kind(env.Type)}
	switch msg.Kind {
	case KindStatus, KindError:
		var d messageData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ServerMessage{}, err
		}
		msg.Status = d.Message
	case KindTranscription:
		var d transcriptionData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ServerMessage{}, err
		}
		msg.Text = strings.TrimSpace(d.Text)
		msg.Language = d.Language
	case KindRequestScreenshot:
		var d screenshotRequestData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ServerMessage{}, err
		}
		msg.Question = d.Question
	case KindRAGResult, KindVisionResult, KindChatResult:
		var d resultData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return ServerMessage{}, err
		}
		msg.Query = d.Query
		msg.Question = d.Question
		msg.Answer = d.Answer
		msg.Chunks = d.Chunks
	default:
		return ServerMessage{}, fmt.Errorf("unknown message type %q", env.Type)
	}
	return msg, nil
}

func (c *Channel) setErr(err error) {
	if err == nil {
		return
	}
	c.errOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.cancel()
		if c.conn != nil {
			c.conn.Close(websocket.StatusInternalError, "")
		}
	})
}
