package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/burpheart/gpt-tap/internal/extractor"
)

// Action names a command.
type Action string

// Content endpoint actions.
const (
	ActionAnalyzeConversation Action = "analyzeConversation"
	ActionToggleOverlay       Action = "toggleOverlay"
	ActionGetOverlayStatus    Action = "getOverlayStatus"
	ActionUpdateSettings      Action = "updateSettings"
	ActionClearData           Action = "clearData"
	ActionNetworkData         Action = "networkData"
	ActionDebuggerError       Action = "debuggerError"
	ActionCheckDataReceived   Action = "checkDataReceived"
)

// Background endpoint actions.
const (
	ActionRefreshAndCapture Action = "refreshAndCapture"
	ActionClearRefreshFlag  Action = "clearRefreshFlag"
)

// Reply statuses.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusRefreshing = "refreshing"
	StatusCached     = "loaded_from_cache"
	StatusReloading  = "reloading"
)

var (
	// ErrNoHandler is returned for actions nobody registered.
	ErrNoHandler = errors.New("no handler for action")
	// ErrTimeout is returned when a reply does not arrive in time.
	ErrTimeout = errors.New("command reply timed out")
)

// Command is an addressed request to an endpoint.
type Command struct {
	ID      string          `json:"id,omitempty"`
	Action  Action          `json:"action"`
	TabID   string          `json:"tabId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (c Command) Decode(v any) error {
	if len(c.Payload) == 0 {
		return errors.Errorf("%s: missing payload", c.Action)
	}
	return errors.Wrapf(json.Unmarshal(c.Payload, v), "%s: decode payload", c.Action)
}

// NewCommand builds a command with an encoded payload.
func NewCommand(action Action, tabID string, payload any) (Command, error) {
	cmd := Command{Action: action, TabID: tabID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return cmd, errors.Wrapf(err, "%s: encode payload", action)
		}
		cmd.Payload = raw
	}
	return cmd, nil
}

// Reply is the answer to a command.
type Reply struct {
	Status         string                    `json:"status"`
	Error          string                    `json:"error,omitempty"`
	ConversationID string                    `json:"conversationId,omitempty"`
	Visible        *bool                     `json:"visible,omitempty"`
	HasData        *bool                     `json:"hasData,omitempty"`
	Received       *bool                     `json:"received,omitempty"`
	Data           *extractor.AnalysisResult `json:"data,omitempty"`
}

// OK returns a success reply.
func OK() Reply { return Reply{Status: StatusOK} }

// Fail returns an error reply.
func Fail(err error) Reply { return Reply{Status: StatusError, Error: err.Error()} }

// Bool returns a pointer to b for optional reply fields.
func Bool(b bool) *bool { return &b }

// HandlerFunc serves one action.
type HandlerFunc func(ctx context.Context, cmd Command) Reply

// Router dispatches commands to registered handlers and waits for the reply.
type Router struct {
	mu       sync.RWMutex
	handlers map[Action]HandlerFunc
	timeout  time.Duration
}

// NewRouter creates a Router. timeout bounds every Send; zero means no bound
// beyond the caller's context.
func NewRouter(timeout time.Duration) *Router {
	return &Router{handlers: make(map[Action]HandlerFunc), timeout: timeout}
}

// Handle registers h for action, replacing any previous handler.
func (r *Router) Handle(action Action, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

// Actions lists the registered actions.
func (r *Router) Actions() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Action, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	return out
}

// Send delivers cmd and holds the channel open until the handler replies,
// the timeout elapses or ctx is done.
func (r *Router) Send(ctx context.Context, cmd Command) (Reply, error) {
	r.mu.RLock()
	h, ok := r.handlers[cmd.Action]
	r.mu.RUnlock()
	if !ok {
		return Reply{}, errors.Wrapf(ErrNoHandler, "%q", cmd.Action)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan Reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Fail(errors.Errorf("%s: handler panic: %v", cmd.Action, p))
			}
		}()
		done <- h(ctx, cmd)
	}()

	select {
	case reply := <-done:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, errors.Wrapf(ErrTimeout, "%s (%s)", cmd.Action, cmd.ID)
	}
}

// Routers sends each command to the first router that handles its action.
type Routers []*Router

// Send implements the same contract as Router.Send across all routers.
func (rs Routers) Send(ctx context.Context, cmd Command) (Reply, error) {
	for _, r := range rs {
		reply, err := r.Send(ctx, cmd)
		if errors.Is(err, ErrNoHandler) {
			continue
		}
		return reply, err
	}
	return Reply{}, errors.Wrapf(ErrNoHandler, "%q", cmd.Action)
}
