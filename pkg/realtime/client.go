package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-parley/internal/log"
	"github.com/teslashibe/go-parley/pkg/audioio"
)

// Client manages one websocket session with the Realtime API.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	connected bool
	ready     bool
	sessionID string
	handshake chan struct{}
	closed    chan struct{}
	session   SessionConfig
	tools     []ToolDefinition

	writeMu sync.Mutex

	// Callbacks
	onItemCompleted   func(Item)
	onToolCall        func(ToolCall)
	onSpeechStarted   func()
	onSpeechStopped   func()
	onInputTranscript func(text string)
	onResponseDone    func(status string)
	onError           func(err error)

	// Metrics
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

// NewClient creates a client. Call Configure and RegisterTool before Connect.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	return &Client{
		cfg:    cfg,
		logger: log.Or(cfg.Logger).With("component", "realtime"),
		session: SessionConfig{
			Voice:      VoiceShimmer,
			Modalities: []string{ModalityText, ModalityAudio},
		},
	}, nil
}

// Configure sets the session parameters sent after the handshake. When the
// session is already established the update is sent immediately.
func (c *Client) Configure(sc SessionConfig) error {
	c.mu.Lock()
	if len(sc.Modalities) == 0 {
		sc.Modalities = []string{ModalityText, ModalityAudio}
	}
	c.session = sc
	ready := c.ready
	c.mu.Unlock()

	if ready {
		return c.sendSessionUpdate()
	}
	return nil
}

// RegisterTool adds a function the model may call.
func (c *Client) RegisterTool(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("realtime: tool name is required")
	}
	c.mu.Lock()
	for _, t := range c.tools {
		if t.Name == def.Name {
			c.mu.Unlock()
			return fmt.Errorf("realtime: tool %q already registered", def.Name)
		}
	}
	c.tools = append(c.tools, def)
	ready := c.ready
	c.mu.Unlock()

	if ready {
		return c.sendSessionUpdate()
	}
	return nil
}

// Connect dials the API and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}
	q := endpoint.Query()
	q.Set("model", c.cfg.Model)
	endpoint.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	c.logger.Info("connecting to realtime API", "model", c.cfg.Model)

	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), headers)
	if err != nil {
		connErr := &ConnectionError{Op: "dial", Err: err}
		if resp != nil {
			connErr.StatusCode = resp.StatusCode
		}
		return connErr
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	closed := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.connected = true
	c.ready = false
	c.sessionID = ""
	c.handshake = make(chan struct{})
	c.closed = closed
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	go c.readLoop(loopCtx, conn, closed)
	if c.cfg.PingInterval > 0 {
		go c.keepAlive(loopCtx, conn)
	}

	c.logger.Info("connected to realtime API")
	return nil
}

// WaitForHandshake blocks until the server confirms the session, the
// connection drops, or ctx ends.
func (c *Client) WaitForHandshake(ctx context.Context) error {
	c.mu.RLock()
	handshake, closed := c.handshake, c.closed
	c.mu.RUnlock()
	if handshake == nil {
		return ErrNotConnected
	}

	select {
	case <-handshake:
		return nil
	case <-closed:
		return &ConnectionError{Op: "handshake", Err: ErrConnectionClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.ready = false
	c.logger.Info("disconnected from realtime API",
		"sent", c.messagesSent.Load(),
		"received", c.messagesReceived.Load(),
	)
	return nil
}

// IsConnected reports whether the websocket is open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SessionID returns the id assigned by the server, once known.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Stats returns the number of messages sent and received.
func (c *Client) Stats() (sent, received int64) {
	return c.messagesSent.Load(), c.messagesReceived.Load()
}

// AppendInputAudio streams one frame of user audio.
func (c *Client) AppendInputAudio(frame audioio.Frame) error {
	return c.send(appendAudioEvent{
		EventID: newEventID(),
		Type:    "input_audio_buffer.append",
		Audio:   base64.StdEncoding.EncodeToString(frame.Bytes()),
	})
}

// RequestReply ends the user turn and asks the model to answer. With
// server-side turn detection the server commits the buffer itself.
func (c *Client) RequestReply() error {
	c.mu.RLock()
	serverVAD := c.session.TurnDetection != nil
	c.mu.RUnlock()

	if !serverVAD {
		if err := c.send(simpleEvent{EventID: newEventID(), Type: "input_audio_buffer.commit"}); err != nil {
			return err
		}
	}
	return c.send(simpleEvent{EventID: newEventID(), Type: "response.create"})
}

// SendText adds a user text message and asks the model to answer.
func (c *Client) SendText(text string) error {
	err := c.send(itemCreateEvent{
		EventID: newEventID(),
		Type:    "conversation.item.create",
		Item: itemPayload{
			Type:    "message",
			Role:    "user",
			Content: []contentPayload{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return err
	}
	return c.send(simpleEvent{EventID: newEventID(), Type: "response.create"})
}

// SubmitToolResult returns a function result and asks the model to continue.
func (c *Client) SubmitToolResult(callID, output string) error {
	err := c.send(itemCreateEvent{
		EventID: newEventID(),
		Type:    "conversation.item.create",
		Item: itemPayload{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
	if err != nil {
		return err
	}
	return c.send(simpleEvent{EventID: newEventID(), Type: "response.create"})
}

// CancelResponse interrupts the reply in progress.
func (c *Client) CancelResponse() error {
	return c.send(simpleEvent{EventID: newEventID(), Type: "response.cancel"})
}

// OnItemCompleted sets the callback for finished output items.
func (c *Client) OnItemCompleted(fn func(Item)) {
	c.mu.Lock()
	c.onItemCompleted = fn
	c.mu.Unlock()
}

// OnToolCall sets the callback for function calls.
func (c *Client) OnToolCall(fn func(ToolCall)) {
	c.mu.Lock()
	c.onToolCall = fn
	c.mu.Unlock()
}

// OnSpeechStarted sets the callback for server-detected speech start.
func (c *Client) OnSpeechStarted(fn func()) {
	c.mu.Lock()
	c.onSpeechStarted = fn
	c.mu.Unlock()
}

// OnSpeechStopped sets the callback for server-detected speech end.
func (c *Client) OnSpeechStopped(fn func()) {
	c.mu.Lock()
	c.onSpeechStopped = fn
	c.mu.Unlock()
}

// OnInputTranscript sets the callback for transcripts of user audio.
func (c *Client) OnInputTranscript(fn func(text string)) {
	c.mu.Lock()
	c.onInputTranscript = fn
	c.mu.Unlock()
}

// OnResponseDone sets the callback for finished responses. It runs after
// every item of the response has been reported, with the final status:
// "completed", "cancelled", "failed" or "incomplete".
func (c *Client) OnResponseDone(fn func(status string)) {
	c.mu.Lock()
	c.onResponseDone = fn
	c.mu.Unlock()
}

// OnError sets the callback for API and connection errors.
func (c *Client) OnError(fn func(err error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Client) sendSessionUpdate() error {
	c.mu.RLock()
	sc := c.session
	tools := make([]toolPayload, len(c.tools))
	for i, t := range c.tools {
		tools[i] = toolPayload{Type: "function", ToolDefinition: t}
	}
	c.mu.RUnlock()

	payload := sessionPayload{
		Modalities:        sc.Modalities,
		Instructions:      sc.Instructions,
		Voice:             sc.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     sc.TurnDetection,
		Tools:             tools,
		ToolChoice:        "auto",
	}
	if sc.InputTranscription {
		payload.InputAudioTranscription = &transcriptionSpec{Model: "whisper-1"}
	}

	return c.send(sessionUpdateEvent{
		EventID: newEventID(),
		Type:    "session.update",
		Session: payload,
	})
}

// send writes one client event.
func (c *Client) send(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteJSON(v); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	c.messagesSent.Add(1)
	return nil
}

// keepAlive sends periodic pings until the session ends.
func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop processes incoming messages until the connection ends. Items
// under assembly are owned by this goroutine.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, closed chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.connected = false
			c.ready = false
		}
		c.mu.Unlock()
		close(closed)
	}()

	pending := make(map[string]*pendingItem)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("connection closed by server")
			} else {
				c.logger.Error("read error", "error", err)
			}
			c.emitError(&ConnectionError{Op: "read", Err: err})
			return
		}
		c.messagesReceived.Add(1)

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("failed to parse message", "error", err)
			continue
		}
		c.handleEvent(ev, pending)
	}
}

// handleEvent processes a single server event.
func (c *Client) handleEvent(ev serverEvent, pending map[string]*pendingItem) {
	switch ev.Type {
	case "session.created":
		c.mu.Lock()
		if ev.Session != nil {
			c.sessionID = ev.Session.ID
		}
		c.ready = true
		handshake := c.handshake
		c.mu.Unlock()
		c.logger.Info("session created", "session_id", c.SessionID())

		if err := c.sendSessionUpdate(); err != nil {
			c.emitError(err)
		}
		if handshake != nil {
			select {
			case <-handshake:
			default:
				close(handshake)
			}
		}

	case "session.updated":
		c.logger.Debug("session updated")

	case "input_audio_buffer.speech_started":
		c.logger.Debug("speech started")
		c.emit(func(cb *callbacks) {
			if cb.speechStarted != nil {
				cb.speechStarted()
			}
		})

	case "input_audio_buffer.speech_stopped":
		c.logger.Debug("speech stopped")
		c.emit(func(cb *callbacks) {
			if cb.speechStopped != nil {
				cb.speechStopped()
			}
		})

	case "conversation.item.input_audio_transcription.completed":
		c.emit(func(cb *callbacks) {
			if cb.inputTranscript != nil {
				cb.inputTranscript(ev.Transcript)
			}
		})

	case "response.output_item.added":
		if ev.Item != nil {
			pending[ev.Item.ID] = &pendingItem{}
		}

	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.logger.Warn("invalid audio delta", "item_id", ev.ItemID, "error", err)
			return
		}
		p := pendingFor(pending, ev.ItemID)
		p.audio = append(p.audio, audio...)

	case "response.audio_transcript.delta":
		pendingFor(pending, ev.ItemID).transcript.WriteString(ev.Delta)

	case "response.text.delta":
		pendingFor(pending, ev.ItemID).text.WriteString(ev.Delta)

	case "response.output_item.done":
		if ev.Item == nil {
			return
		}
		p := pending[ev.Item.ID]
		delete(pending, ev.Item.ID)
		c.completeItem(*ev.Item, p)

	case "response.done":
		status := responseStatus(ev.Response)
		c.logger.Debug("response done", "status", status)
		c.emit(func(cb *callbacks) {
			if cb.responseDone != nil {
				cb.responseDone(status)
			}
		})

	case "error":
		if ev.Error == nil {
			return
		}
		c.emitError(&APIError{
			Type:    ev.Error.Type,
			Code:    ev.Error.Code,
			Message: ev.Error.Message,
			EventID: ev.Error.EventID,
		})

	default:
		// Ignore other message types
	}
}

func pendingFor(pending map[string]*pendingItem, id string) *pendingItem {
	p, ok := pending[id]
	if !ok {
		p = &pendingItem{}
		pending[id] = p
	}
	return p
}

// completeItem builds the finished item and hands it to the callbacks.
// Function calls are reported before the item itself.
func (c *Client) completeItem(w wireItem, p *pendingItem) {
	item := Item{
		ID:        w.ID,
		Type:      w.Type,
		Role:      w.Role,
		CallID:    w.CallID,
		Name:      w.Name,
		Arguments: w.Arguments,
	}
	if p != nil {
		item.Audio = audioio.BytesToSamples(p.audio)
		item.Transcript = p.transcript.String()
		item.Text = p.text.String()
	}
	for _, part := range w.Content {
		if item.Transcript == "" && part.Transcript != "" {
			item.Transcript = part.Transcript
		}
		if item.Text == "" && part.Text != "" {
			item.Text = part.Text
		}
	}

	if item.IsToolCall() {
		c.logger.Info("tool call received", "name", item.Name, "call_id", item.CallID)
		call := ToolCall{CallID: item.CallID, ItemID: item.ID, Name: item.Name, Arguments: item.Arguments}
		c.emit(func(cb *callbacks) {
			if cb.toolCall != nil {
				cb.toolCall(call)
			}
		})
	}

	c.logger.Debug("item completed", "item_id", item.ID, "type", item.Type, "samples", len(item.Audio))
	c.emit(func(cb *callbacks) {
		if cb.itemCompleted != nil {
			cb.itemCompleted(item)
		}
	})
}

// Emit helpers

type callbacks struct {
	itemCompleted   func(Item)
	toolCall        func(ToolCall)
	speechStarted   func()
	speechStopped   func()
	inputTranscript func(string)
	responseDone    func(string)
	err             func(error)
}

func (c *Client) emit(fn func(cb *callbacks)) {
	c.mu.RLock()
	cb := callbacks{
		itemCompleted:   c.onItemCompleted,
		toolCall:        c.onToolCall,
		speechStarted:   c.onSpeechStarted,
		speechStopped:   c.onSpeechStopped,
		inputTranscript: c.onInputTranscript,
		responseDone:    c.onResponseDone,
		err:             c.onError,
	}
	c.mu.RUnlock()
	fn(&cb)
}

func (c *Client) emitError(err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.logger.Warn("API error", "code", apiErr.Code, "message", apiErr.Message)
	}
	c.emit(func(cb *callbacks) {
		if cb.err != nil {
			cb.err(err)
		}
	})
}

// responseStatus reads the status of a response.done payload.
func responseStatus(raw json.RawMessage) string {
	var r struct {
		Status string `json:"status"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &r) != nil || r.Status == "" {
		return "completed"
	}
	return r.Status
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}
