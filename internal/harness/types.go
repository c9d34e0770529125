package harness

// Trace event types.
const (
	EventStarted        = "started"
	EventAlreadyRunning = "already_running"
	EventMessage        = "message"
	EventRedirected     = "redirected"
	EventExecuted       = "executed"
	EventStalled        = "stalled"
	EventFailed         = "failed"
	EventFinished       = "finished"
)

// TraceEvent is one observable step of a scenario run.
type TraceEvent struct {
	Seq    int    `json:"seq"`
	At     string `json:"at"`
	Type   string `json:"type"`
	Funnel string `json:"funnel"`
	Ident  string `json:"ident"`
	Stage  string `json:"stage,omitempty"`
	Next   string `json:"next,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	// Detail is the message recipient, the redirect origin, the stall
	// reason or the error text, depending on Type.
	Detail string `json:"detail,omitempty"`
}

// field returns the named attribute for match assertions.
func (e TraceEvent) field(name string) (string, bool) {
	switch name {
	case "type":
		return e.Type, true
	case "funnel":
		return e.Funnel, true
	case "ident":
		return e.Ident, true
	case "stage":
		return e.Stage, true
	case "next":
		return e.Next, true
	case "detail":
		return e.Detail, true
	}
	return "", false
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(e TraceEvent) {
	e.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, e)
}
