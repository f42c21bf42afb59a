/*Package prompt carries messages from the capture controller to whoever is
operating it: notices, yes/no confirmations and acknowledgements that block
until the operator has done something (e.g. changed a filter by hand).

Three Prompters are provided.  Auto answers everything itself and is used when
running headless, Terminal asks on a console, and Queue parks requests until
they are answered over HTTP.
*/
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnknownPrompt is generated when answering a prompt id that is not pending
var ErrUnknownPrompt = errors.New("no such pending prompt")

// Severity grades a notice
type Severity int

const (
	// Info is purely informational
	Info Severity = iota

	// Warning is something the operator should know before continuing
	Warning

	// Error is a failure
	Error
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	}
	return "info"
}

// MarshalText renders the severity by name in JSON and YAML
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Notice is one message to the operator.  Code is a stable machine readable
// tag, e.g. "overwrite-risk".
type Notice struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Title    string   `json:"title"`
	Text     string   `json:"text"`
}

func (n Notice) String() string {
	if n.Title == "" {
		return n.Text
	}
	return n.Title + ": " + n.Text
}

// Prompter is the operator-facing side of the controller
type Prompter interface {
	// Notify shows a notice and returns immediately
	Notify(ctx context.Context, n Notice)

	// Confirm asks a yes/no question
	Confirm(ctx context.Context, n Notice) (bool, error)

	// Acknowledge blocks until the operator acknowledges n or ctx is done
	Acknowledge(ctx context.Context, n Notice) error
}

func logNotice(log zerolog.Logger, n Notice) {
	ev := log.Info()
	switch n.Severity {
	case Warning:
		ev = log.Warn()
	case Error:
		ev = log.Error()
	}
	ev.Str("title", n.Title).Msg(n.Text)
}

// Auto answers every question with Answer and acknowledges immediately
type Auto struct {
	Answer bool
	Log    zerolog.Logger
}

// Notify logs n
func (a Auto) Notify(ctx context.Context, n Notice) {
	logNotice(a.Log, n)
}

// Confirm logs n and returns Answer
func (a Auto) Confirm(ctx context.Context, n Notice) (bool, error) {
	logNotice(a.Log, n)
	return a.Answer, nil
}

// Acknowledge logs n and returns
func (a Auto) Acknowledge(ctx context.Context, n Notice) error {
	logNotice(a.Log, n)
	return ctx.Err()
}

// Terminal prompts on a console
type Terminal struct {
	mu  sync.Mutex
	In  io.Reader
	Out io.Writer

	lines chan string
	once  sync.Once
}

func (t *Terminal) start() {
	t.once.Do(func() {
		t.lines = make(chan string)
		go func() {
			sc := bufio.NewScanner(t.In)
			for sc.Scan() {
				t.lines <- sc.Text()
			}
			close(t.lines)
		}()
	})
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.start()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(l), nil
	}
}

// Notify prints n
func (t *Terminal) Notify(ctx context.Context, n Notice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.Out, "[%s] %s\n", n.Severity, n)
}

// Confirm prints n and reads y or n
func (t *Terminal) Confirm(ctx context.Context, n Notice) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		fmt.Fprintf(t.Out, "[%s] %s [y/n] ", n.Severity, n)
		l, err := t.readLine(ctx)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(l) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

// Acknowledge prints n and waits for enter
func (t *Terminal) Acknowledge(ctx context.Context, n Notice) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.Out, "[%s] %s (press enter) ", n.Severity, n)
	_, err := t.readLine(ctx)
	return err
}

// RequestKind is the kind of a pending prompt
type RequestKind string

const (
	// KindConfirm expects a yes/no answer
	KindConfirm RequestKind = "confirm"

	// KindAcknowledge expects any answer
	KindAcknowledge RequestKind = "acknowledge"
)

// Request is a prompt waiting for an answer
type Request struct {
	ID     string      `json:"id"`
	Kind   RequestKind `json:"kind"`
	Notice Notice      `json:"notice"`
	Asked  time.Time   `json:"asked"`
}

type pending struct {
	Request
	answer chan bool
}

// Queue parks prompts until Answer is called, and keeps the most recent
// notices for display
type Queue struct {
	mu      sync.Mutex
	pending map[string]*pending
	order   []string
	notices []Notice
	keep    int
	log     zerolog.Logger
}

// NewQueue returns a Queue that remembers the last keep notices
func NewQueue(keep int, log zerolog.Logger) *Queue {
	if keep <= 0 {
		keep = 32
	}
	return &Queue{pending: map[string]*pending{}, keep: keep, log: log}
}

// Notify records n
func (q *Queue) Notify(ctx context.Context, n Notice) {
	logNotice(q.log, n)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notices = append(q.notices, n)
	if len(q.notices) > q.keep {
		q.notices = q.notices[len(q.notices)-q.keep:]
	}
}

// Notices returns the remembered notices, oldest first
func (q *Queue) Notices() []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Notice(nil), q.notices...)
}

func (q *Queue) ask(ctx context.Context, kind RequestKind, n Notice) (bool, error) {
	logNotice(q.log, n)
	p := &pending{
		Request: Request{ID: uuid.NewString(), Kind: kind, Notice: n, Asked: time.Now()},
		answer:  make(chan bool, 1)}
	q.mu.Lock()
	q.pending[p.ID] = p
	q.order = append(q.order, p.ID)
	q.mu.Unlock()

	defer q.remove(p.ID)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-p.answer:
		return a, nil
	}
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Confirm blocks until the request is answered or ctx is done
func (q *Queue) Confirm(ctx context.Context, n Notice) (bool, error) {
	return q.ask(ctx, KindConfirm, n)
}

// Acknowledge blocks until the request is answered or ctx is done
func (q *Queue) Acknowledge(ctx context.Context, n Notice) error {
	_, err := q.ask(ctx, KindAcknowledge, n)
	return err
}

// Pending lists the prompts waiting for an answer, oldest first
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.pending[id].Request)
	}
	return out
}

// Answer resolves the pending prompt id.  For acknowledgements the value of
// yes is ignored.
func (q *Queue) Answer(id string, yes bool) error {
	q.mu.Lock()
	p, ok := q.pending[id]
	q.mu.Unlock()
	if !ok {
		return ErrUnknownPrompt
	}
	select {
	case p.answer <- yes:
	default:
	}
	return nil
}
