// Package realtime owns the per-call session controller: the component
// that holds the sideband control channel to the conversational backend,
// drives the session through its lifecycle, accumulates the transcript,
// executes tool calls, and emits the terminal webhook exactly once.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/callbridge/internal/agentspec"
	"github.com/voicewire/callbridge/internal/dispatch"
	"github.com/voicewire/callbridge/internal/notify"
	"github.com/voicewire/callbridge/internal/realtime/protocol"
	"github.com/voicewire/callbridge/internal/sessionspec"
	"github.com/voicewire/callbridge/internal/transcript"
)

const (
	// DefaultTransferSettleDelay is how long the handoff message is given
	// to play out before the REFER is issued.
	DefaultTransferSettleDelay = 1500 * time.Millisecond

	// DefaultEndCallDelay is how long the closing message is given to play
	// out before the provider leg is hung up.
	DefaultEndCallDelay = 600 * time.Millisecond

	// DefaultConfirmWindow is how long an unconsumed end-call confirmation
	// request stays armed before it resets.
	DefaultConfirmWindow = 45 * time.Second

	wsWriteWait       = 10 * time.Second
	wsMaxPayloadBytes = 1 << 20

	webhookBudget = 60 * time.Second
)

// Disconnection reasons reported in the terminal webhook.
const (
	ReasonUserHangup  = "user_hangup"
	ReasonAgentHangup = "agent_hangup"
	ReasonTransferred = "call_transferred"
	ReasonShutdown    = "server_shutdown"
	ReasonUnknown     = "unknown"
)

// ErrAlreadyStarted is returned by Run when the controller has been run
// before. Controllers are single-use.
var ErrAlreadyStarted = errors.New("realtime: controller already started")

// State is the controller lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Conn is the subset of *websocket.Conn the controller uses. Tests
// substitute an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// ToolExecutor runs one tool call. *dispatch.Dispatcher implements it.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) dispatch.Result
}

// WebhookSender delivers lifecycle webhooks. *notify.Notifier implements
// it.
type WebhookSender interface {
	Deliver(ctx context.Context, url, secret string, payload notify.Payload) notify.Delivery
}

// Referrer issues the sideband REFER that moves the media leg to a new
// target.
type Referrer interface {
	Refer(ctx context.Context, callID, target string) error
}

// Telephony hangs up the provider leg of a phone call.
type Telephony interface {
	Hangup(ctx context.Context, providerCallID string) error
}

// Metrics receives controller events. Implementations must be safe for
// concurrent use; a nil Metrics disables reporting.
type Metrics interface {
	CallStarted(callType string)
	CallEnded(callType, reason string, duration time.Duration)
	ControlEvent(kind string)
}

// Config assembles a Controller.
type Config struct {
	CallID         string
	ProviderCallID string
	CallType       string // "phone_call" or "web_call"
	Direction      string // "inbound", "outbound" or "web"
	FromNumber     string
	ToNumber       string

	Agent *agentspec.Spec
	Parts sessionspec.Parts
	Model string

	Tools     ToolExecutor
	Webhooks  WebhookSender
	Referrer  Referrer
	Telephony Telephony
	Registry  *Registry
	Metrics   Metrics
	Logger    *slog.Logger

	// OnEnded observes the terminal call record after the webhook has been
	// delivered. Used to persist call history.
	OnEnded func(notify.CallInfo)

	TransferSettleDelay time.Duration
	EndCallDelay        time.Duration
	ConfirmWindow       time.Duration
}

// Controller drives one call session. It is single-use: construct, attach
// to the registry, Run, discard.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	state         atomic.Int32
	reachedActive atomic.Bool
	conn          Conn

	writeMu sync.Mutex

	startTime time.Time
	log       *transcript.Log
	pending   map[string]*pendingCall

	mu              sync.Mutex
	awaitingConfirm bool
	confirmTimer    *time.Timer
	reason          string

	closeOnce sync.Once
	done      chan struct{}
}

type pendingCall struct {
	name string
	args strings.Builder
}

// New creates a Controller in the Idle state.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TransferSettleDelay <= 0 {
		cfg.TransferSettleDelay = DefaultTransferSettleDelay
	}
	if cfg.EndCallDelay <= 0 {
		cfg.EndCallDelay = DefaultEndCallDelay
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = DefaultConfirmWindow
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger.With("call_id", cfg.CallID),
		log:     transcript.New(),
		pending: make(map[string]*pendingCall),
		done:    make(chan struct{}),
	}
}

// State reports the current lifecycle position.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Done is closed after the terminal webhook has been delivered and the
// controller has deregistered.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Close requests teardown with the given disconnection reason. The first
// reason set wins. Safe to call from any goroutine, including before Run.
func (c *Controller) Close(reason string) {
	c.mu.Lock()
	if c.reason == "" && reason != "" {
		c.reason = reason
	}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Run configures the session over conn and processes control-channel
// events until the channel closes. It blocks until teardown is complete.
func (c *Controller) Run(ctx context.Context, conn Conn) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.startTime = time.Now()
	conn.SetReadLimit(wsMaxPayloadBytes)

	if err := c.configureSession(); err != nil {
		c.shutdown("connection_error")
		return fmt.Errorf("realtime: configure session: %w", err)
	}
	c.state.Store(int32(StateActive))
	c.reachedActive.Store(true)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CallStarted(c.cfg.CallType)
	}
	c.logger.Info("call session active",
		"agent_id", c.agentID(), "call_type", c.cfg.CallType, "direction", c.cfg.Direction)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	c.readLoop(ctx)
	return nil
}

// configureSession sends the session configuration followed by the first
// response request, in that order.
func (c *Controller) configureSession() error {
	tools := make([]protocol.ToolDef, 0, len(c.cfg.Parts.ToolDefs))
	for _, def := range c.cfg.Parts.ToolDefs {
		tools = append(tools, protocol.ToolDef{
			Type:        def.Type,
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	update, err := protocol.MarshalSessionUpdate(protocol.SessionConfig{
		Model:        c.cfg.Model,
		Voice:        c.cfg.Parts.Voice,
		Instructions: c.cfg.Parts.Instructions,
		Tools:        tools,
	})
	if err != nil {
		return err
	}
	if err := c.write(update); err != nil {
		return err
	}
	first, err := protocol.MarshalResponseCreate("")
	if err != nil {
		return err
	}
	return c.write(first)
}

func (c *Controller) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(disconnectReason(err))
			return
		}
		ev := protocol.DecodeServerEvent(data)
		if ev == nil {
			continue
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ControlEvent(eventKind(ev))
		}

		switch ev := ev.(type) {
		case protocol.ErrorEvent:
			c.logger.Warn("control channel error", "code", ev.Code, "message", ev.Message)

		case protocol.UserTranscript:
			c.log.AppendUser(ev.Text)

		case protocol.AgentTranscript:
			c.log.AppendAgent(ev.Text)

		case protocol.FunctionCallStarted:
			c.pending[ev.CallID] = &pendingCall{name: ev.Name}

		case protocol.FunctionCallDelta:
			p, ok := c.pending[ev.CallID]
			if !ok {
				p = &pendingCall{}
				c.pending[ev.CallID] = p
			}
			p.args.WriteString(ev.Delta)

		case protocol.FunctionCallDone:
			name, args := c.resolveCall(ev)
			c.log.AppendToolCall(name, args)
			c.handleToolCall(ctx, ev.CallID, name, args)
		}
	}
}

// resolveCall merges a done frame with its streamed state. Malformed
// argument JSON degrades to an empty argument map; the tool still runs.
func (c *Controller) resolveCall(ev protocol.FunctionCallDone) (string, map[string]any) {
	name := ev.Name
	raw := ev.Arguments
	if p, ok := c.pending[ev.CallID]; ok {
		if name == "" {
			name = p.name
		}
		if raw == "" {
			raw = p.args.String()
		}
		delete(c.pending, ev.CallID)
	}

	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			c.logger.Warn("malformed tool arguments", "tool", name, "error", err)
			args = map[string]any{}
		}
	}
	return name, args
}

// handleToolCall executes the tool and returns its output to the backend.
// The output is sent for every outcome, success or failure, so the model
// always sees a result for the call it made.
func (c *Controller) handleToolCall(ctx context.Context, callID, name string, args map[string]any) {
	res := c.execute(ctx, name, args)
	c.log.AppendToolResult(name, res)

	out, err := json.Marshal(res)
	if err != nil {
		out = []byte(`{"ok":false,"error":"result not serializable"}`)
	}
	frame, err := protocol.MarshalFunctionOutput(callID, string(out))
	if err == nil {
		if err := c.write(frame); err != nil {
			c.logger.Warn("tool output write failed", "tool", name, "error", err)
			return
		}
	}

	switch {
	case res.OK && res.Transferring && c.telephonyBacked():
		c.beginTransfer(ctx, res)
	case res.OK && res.Ending && !res.Pending && c.telephonyBacked():
		c.beginEnd(ctx, res)
	default:
		// Every non-terminal outcome resumes generation so the model's
		// turn never stalls on a tool result.
		if frame, err := protocol.MarshalResponseCreate(""); err == nil {
			_ = c.write(frame)
		}
	}
}

// telephonyBacked reports whether the session has a phone leg that
// transfer_call and end_call can act on. Web sessions have neither; their
// control-tool outcomes fall through to resumed generation.
func (c *Controller) telephonyBacked() bool {
	return c.cfg.CallType != "web_call" && c.cfg.Direction != "web"
}

// execute runs the tool, applying the end-call confirmation interlock for
// agents that require it: the first end_call arms the interlock and
// returns a pending result, a second end_call inside the window goes
// through. The window timer resets the armed state if confirmation never
// arrives.
func (c *Controller) execute(ctx context.Context, name string, args map[string]any) dispatch.Result {
	res := c.cfg.Tools.Execute(ctx, name, args)
	if !res.OK || !res.Ending || c.cfg.Agent == nil || !c.cfg.Agent.ConfirmEndCall {
		return res
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.awaitingConfirm {
		c.awaitingConfirm = false
		if c.confirmTimer != nil {
			c.confirmTimer.Stop()
			c.confirmTimer = nil
		}
		return res
	}
	c.awaitingConfirm = true
	c.confirmTimer = time.AfterFunc(c.cfg.ConfirmWindow, func() {
		c.mu.Lock()
		c.awaitingConfirm = false
		c.confirmTimer = nil
		c.mu.Unlock()
		c.logger.Debug("end-call confirmation window expired")
	})
	return dispatch.Result{
		OK:      true,
		Ending:  true,
		Pending: true,
		Message: "Confirm with the caller that they are ready to end the call, then call end_call again.",
	}
}

// beginTransfer speaks the handoff message, lets it settle, then issues
// the REFER. The call keeps running if the REFER fails.
func (c *Controller) beginTransfer(ctx context.Context, res dispatch.Result) {
	if frame, err := protocol.MarshalResponseCreate("Tell the caller: " + res.HandoffMessage); err == nil {
		_ = c.write(frame)
	}
	if c.cfg.Referrer == nil {
		c.logger.Warn("transfer requested without a referrer", "target", res.Target)
		return
	}
	go func() {
		if !sleepCtx(ctx, c.cfg.TransferSettleDelay) {
			return
		}
		if err := c.cfg.Referrer.Refer(ctx, c.cfg.CallID, res.Target); err != nil {
			c.logger.Warn("transfer refer failed", "target", res.Target, "error", err)
			return
		}
		c.setReason(ReasonTransferred)
		c.logger.Info("call transferred", "target", res.Target)
	}()
}

// beginEnd speaks the closing message if any, waits for it to play out,
// then tears the call down: hang up the provider leg for phone calls,
// close the control channel for web calls.
func (c *Controller) beginEnd(ctx context.Context, res dispatch.Result) {
	c.state.Store(int32(StateClosing))
	if res.ClosingMessage != "" {
		if frame, err := protocol.MarshalResponseCreate("Tell the caller: " + res.ClosingMessage); err == nil {
			_ = c.write(frame)
		}
	}
	go func() {
		if !sleepCtx(ctx, c.cfg.EndCallDelay) {
			return
		}
		c.setReason(ReasonAgentHangup)
		if c.cfg.Telephony != nil && c.cfg.ProviderCallID != "" {
			if err := c.cfg.Telephony.Hangup(ctx, c.cfg.ProviderCallID); err != nil {
				c.logger.Warn("provider hangup failed", "error", err)
			}
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	}()
}

// shutdown runs terminal teardown exactly once: resolve the disconnection
// reason, deliver the call_ended webhook with all transcript projections,
// hand the record to OnEnded, deregister, and mark the controller closed.
func (c *Controller) shutdown(fallbackReason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))

		c.mu.Lock()
		if c.confirmTimer != nil {
			c.confirmTimer.Stop()
			c.confirmTimer = nil
		}
		if c.reason == "" {
			c.reason = fallbackReason
		}
		reason := c.reason
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}

		info := c.callInfo(reason)
		if c.cfg.Webhooks != nil && c.cfg.Agent != nil {
			ctx, cancel := context.WithTimeout(context.Background(), webhookBudget)
			defer cancel()
			c.cfg.Webhooks.Deliver(ctx, c.cfg.Agent.WebhookURL, c.cfg.Agent.WebhookSecret, notify.Payload{
				Event: notify.EventCallEnded,
				Call:  info,
			})
		}
		if c.cfg.OnEnded != nil {
			c.cfg.OnEnded(info)
		}
		if c.cfg.Registry != nil {
			c.cfg.Registry.Release(c.cfg.CallID, c)
		}
		// Sessions that never went active were never counted as started;
		// reporting their end would skew the active-calls gauge negative.
		if c.cfg.Metrics != nil && c.reachedActive.Load() {
			c.cfg.Metrics.CallEnded(c.cfg.CallType, reason, time.Since(c.startTime))
		}
		c.state.Store(int32(StateClosed))
		c.logger.Info("call session closed", "reason", reason, "duration", time.Since(c.startTime))
		close(c.done)
	})
}

func (c *Controller) callInfo(reason string) notify.CallInfo {
	end := time.Now()
	return notify.CallInfo{
		CallType:                      c.cfg.CallType,
		Direction:                     c.cfg.Direction,
		CallID:                        c.cfg.CallID,
		AgentID:                       c.agentID(),
		CallStatus:                    "ended",
		FromNumber:                    c.cfg.FromNumber,
		ToNumber:                      c.cfg.ToNumber,
		StartTimestamp:                c.startTime.UnixMilli(),
		EndTimestamp:                  end.UnixMilli(),
		DisconnectionReason:           reason,
		Transcript:                    c.log.PlainText(),
		TranscriptWithToolCalls:       c.log.PlainTextWithTools(),
		TranscriptObject:              c.log.Structured(false),
		TranscriptObjectWithToolCalls: c.log.Structured(true),
	}
}

func (c *Controller) setReason(reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
}

func (c *Controller) agentID() string {
	if c.cfg.Agent == nil {
		return ""
	}
	return c.cfg.Agent.AgentID
}

func (c *Controller) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// disconnectReason maps a read error to a webhook disconnection reason.
// Only a normal closure is attributed to the caller hanging up.
func disconnectReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		return ReasonUserHangup
	}
	return ReasonUnknown
}

func eventKind(ev any) string {
	switch ev.(type) {
	case protocol.ErrorEvent:
		return "error"
	case protocol.UserTranscript:
		return "user_transcript"
	case protocol.AgentTranscript:
		return "agent_transcript"
	case protocol.FunctionCallStarted:
		return "function_call"
	case protocol.FunctionCallDelta:
		return "function_call_delta"
	case protocol.FunctionCallDone:
		return "function_call_done"
	default:
		return "other"
	}
}

// sleepCtx waits for d, reporting false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
