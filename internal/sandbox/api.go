package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zot/sandbox/internal/fakebackend"
	"github.com/zot/sandbox/internal/loop"
)

// Op is a dialect-neutral operation.
type Op int

const (
	OpLogin Op = iota + 1
	OpEnvironmentInfo
	OpDeploy
	OpSetCharm
	OpAddUnits
	OpRemoveUnits
	OpGetService
	OpGetCharm
	OpDestroyService
	OpSetConfig
	OpSetConstraints
	OpExpose
	OpUnexpose
	OpAddRelation
	OpRemoveRelation
	OpUpdateAnnotations
	OpGetAnnotations
	OpRemoveAnnotations
	OpResolved
	OpExport
	OpImport
	OpWatchAll
	OpWatcherNext
	OpWatcherStop
)

var opNames = map[Op]string{
	OpLogin:             "login",
	OpEnvironmentInfo:   "environment_info",
	OpDeploy:            "deploy",
	OpSetCharm:          "set_charm",
	OpAddUnits:          "add_units",
	OpRemoveUnits:       "remove_units",
	OpGetService:        "get_service",
	OpGetCharm:          "get_charm",
	OpDestroyService:    "destroy_service",
	OpSetConfig:         "set_config",
	OpSetConstraints:    "set_constraints",
	OpExpose:            "expose",
	OpUnexpose:          "unexpose",
	OpAddRelation:       "add_relation",
	OpRemoveRelation:    "remove_relation",
	OpUpdateAnnotations: "update_annotations",
	OpGetAnnotations:    "get_annotations",
	OpRemoveAnnotations: "remove_annotations",
	OpResolved:          "resolved",
	OpExport:            "export",
	OpImport:            "import",
	OpWatchAll:          "watch_all",
	OpWatcherNext:       "watcher_next",
	OpWatcherStop:       "watcher_stop",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Args are the decoded parameters of a call. Each dialect fills the fields
// its wire format carries.
type Args struct {
	User        string
	Password    string
	CharmURL    string
	ServiceName string
	Config      map[string]any
	ConfigYAML  string
	Constraints map[string]string
	NumUnits    int
	Force       bool
	Units       []string
	Endpoints   []string
	Entity      string
	Annotations map[string]string
	Keys        []string
	Unit        string
	Retry       bool
	Data        []byte
	WatcherID   string
}

// Call is one decoded request.
type Call struct {
	Op   Op
	Key  string
	Args Args
	// Invalid is a parameter problem found while decoding. It is answered
	// in-band without running the handler.
	Invalid error
	// Frame is whatever the dialect needs to build the reply.
	Frame any
}

type resultKind int

const (
	resultSuccess resultKind = iota
	resultFailure
	resultDeferred
)

// Result is the outcome of a handler.
type Result struct {
	kind  resultKind
	Value any
	Err   error
}

// Success wraps a handler's value.
func Success(v any) Result {
	return Result{kind: resultSuccess, Value: v}
}

// Failure wraps a domain error.
func Failure(err error) Result {
	return Result{kind: resultFailure, Err: err}
}

// Deferred means the reply is sent later by the dialect.
func Deferred() Result {
	return Result{kind: resultDeferred}
}

// Failed reports whether the handler failed.
func (r Result) Failed() bool {
	return r.kind == resultFailure
}

// IsDeferred reports whether the reply is postponed.
func (r Result) IsDeferred() bool {
	return r.kind == resultDeferred
}

// Handler runs one operation.
type Handler func(api *API, call *Call) Result

// Framing translates between a wire dialect and engine calls.
type Framing interface {
	// Dialect names the wire format.
	Dialect() string
	// Ops maps wire operation keys to operations.
	Ops() map[string]Op
	// Decode parses a frame. Unknown keys yield *UnknownOperationError,
	// unparsable frames *MalformedFrameError.
	Decode(data []byte) (*Call, error)
	// Encode builds the reply to call.
	Encode(call *Call, res Result) (any, error)
	// Greeting is pushed on open. Nil means none.
	Greeting(env fakebackend.Environment) any
	// DeltaReady reports whether a delta frame may be sent now.
	DeltaReady() bool
	// Delta builds the frame for a non-empty change set.
	Delta(changes *fakebackend.Changes) any
}

// dialectHandlers is implemented by framings that own extra operations.
type dialectHandlers interface {
	Handlers() map[Op]Handler
}

// resetter is implemented by framings that keep per-connection state.
type resetter interface {
	Reset()
}

// Observer is told about traffic, e.g. for metrics.
type Observer interface {
	ObserveRequest(dialect, op string, failed bool)
	ObserveDelta(dialect string, entities int)
}

// UnknownOperationError reports a frame naming no known operation.
type UnknownOperationError struct {
	Dialect string
	Key     string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown %s operation %q", e.Dialect, e.Key)
}

// MalformedFrameError reports a frame that is not valid JSON.
type MalformedFrameError struct {
	Dialect string
	Err     error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed %s frame: %v", e.Dialect, e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// Option configures an API.
type Option func(*API)

// WithDeltaInterval enables periodic deltas while connected.
func WithDeltaInterval(d time.Duration) Option {
	return func(a *API) {
		a.deltaInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(a *API) {
		a.observer = o
	}
}

// API is the server end of a ClientConnection. It is bound to at most one
// connection at a time and is the only mutator of its state.
type API struct {
	framing  Framing
	state    *fakebackend.State
	handlers map[Op]Handler
	logger   *zap.Logger
	observer Observer

	deltaInterval time.Duration
	connected     bool
	client        *ClientConnection
	timer         loop.TimerID
	timerSched    loop.Scheduler
}

// NewAPI builds an API for a framing. It panics when the framing names an
// operation no handler serves.
func NewAPI(state *fakebackend.State, framing Framing, opts ...Option) *API {
	a := &API{
		framing:  framing,
		state:    state,
		handlers: make(map[Op]Handler, len(engineHandlers)),
		logger:   zap.NewNop(),
	}
	for op, h := range engineHandlers {
		a.handlers[op] = h
	}
	if extra, ok := framing.(dialectHandlers); ok {
		for op, h := range extra.Handlers() {
			a.handlers[op] = h
		}
	}
	for key, op := range framing.Ops() {
		if a.handlers[op] == nil {
			panic(fmt.Sprintf("sandbox: %s operation %q maps to %v, which has no handler", framing.Dialect(), key, op))
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dialect names the wire format.
func (a *API) Dialect() string {
	return a.framing.Dialect()
}

// State returns the backend the API drives.
func (a *API) State() *fakebackend.State {
	return a.state
}

// Connected reports whether a connection is bound.
func (a *API) Connected() bool {
	return a.connected
}

// Client returns the bound connection, or nil.
func (a *API) Client() *ClientConnection {
	return a.client
}

// Open binds conn, pushes the greeting and starts the delta timer.
func (a *API) Open(conn *ClientConnection) error {
	if a.connected {
		if a.client == conn {
			return nil
		}
		return ErrOpenToAnotherClient
	}
	a.client = conn
	a.connected = true
	if greeting := a.framing.Greeting(a.state.Environment()); greeting != nil {
		if err := conn.ReceiveNow(greeting); err != nil {
			a.detach()
			return err
		}
	}
	if a.deltaInterval > 0 {
		sched := conn.Scheduler()
		var token loop.TimerID
		token = sched.Every(a.deltaInterval, func() {
			if a.connected && a.client == conn && a.timerSched == sched && a.timer == token {
				a.SendDelta()
			}
		})
		a.timer = token
		a.timerSched = sched
	}
	a.logger.Debug("sandbox connection opened", zap.String("dialect", a.Dialect()))
	return nil
}

// Close unbinds the connection and cancels the delta timer.
func (a *API) Close() {
	if !a.connected {
		return
	}
	a.detach()
	a.logger.Debug("sandbox connection closed", zap.String("dialect", a.Dialect()))
}

func (a *API) detach() {
	if a.timerSched != nil {
		a.timerSched.Cancel(a.timer)
		a.timerSched = nil
		a.timer = 0
	}
	if r, ok := a.framing.(resetter); ok {
		r.Reset()
	}
	a.client = nil
	a.connected = false
}

// Receive decodes a frame, runs its operation and pushes the reply.
// Domain failures are replied in-band; only protocol misuse is returned.
func (a *API) Receive(data []byte) error {
	if !a.connected {
		return ErrConnectionClosed
	}
	call, err := a.framing.Decode(data)
	if err != nil {
		a.logger.Debug("sandbox frame rejected", zap.String("dialect", a.Dialect()), zap.Error(err))
		return err
	}
	var res Result
	if call.Invalid != nil {
		res = Failure(call.Invalid)
	} else {
		res = a.handlers[call.Op](a, call)
	}
	if a.observer != nil {
		a.observer.ObserveRequest(a.Dialect(), call.Op.String(), res.Failed())
	}
	if res.Failed() {
		a.logger.Debug("sandbox request failed",
			zap.String("dialect", a.Dialect()),
			zap.String("op", call.Key),
			zap.Error(res.Err))
	}
	if res.IsDeferred() {
		return nil
	}
	reply, err := a.framing.Encode(call, res)
	if err != nil {
		return err
	}
	if !a.connected {
		return nil
	}
	return a.client.ReceiveNow(reply)
}

// SendDelta pushes one frame listing what changed since the last delta.
// Nothing is sent while disconnected, while the dialect is not ready, or
// when nothing changed.
func (a *API) SendDelta() {
	if !a.connected || !a.framing.DeltaReady() {
		return
	}
	changes := a.state.NextChanges()
	if changes.Empty() {
		return
	}
	frame := a.framing.Delta(changes)
	if a.observer != nil {
		a.observer.ObserveDelta(a.Dialect(), len(changes.All()))
	}
	if err := a.client.ReceiveNow(frame); err != nil {
		a.logger.Warn("sandbox delta not delivered", zap.String("dialect", a.Dialect()), zap.Error(err))
	}
}

// Push sends an uncorrelated frame to the client.
func (a *API) Push(frame any) error {
	if !a.connected {
		return ErrConnectionClosed
	}
	return a.client.ReceiveNow(frame)
}
