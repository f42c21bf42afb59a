package prompt_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nasa-jpl/astrocap/prompt"
)

func TestAuto(t *testing.T) {
	a := prompt.Auto{Answer: true, Log: zerolog.Nop()}
	ok, err := a.Confirm(context.Background(), prompt.Notice{Text: "overwrite?"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, a.Acknowledge(context.Background(), prompt.Notice{Text: "change filter"}))
}

func TestTerminalConfirm(t *testing.T) {
	var out bytes.Buffer
	term := &prompt.Terminal{In: strings.NewReader("maybe\nY\n\n"), Out: &out}
	ok, err := term.Confirm(context.Background(), prompt.Notice{Severity: prompt.Warning, Title: "Index overflow", Text: "continue?"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, strings.Count(out.String(), "[y/n]"), "reasks on a bad answer")

	require.NoError(t, term.Acknowledge(context.Background(), prompt.Notice{Text: "Change to next filter: Red"}))
	assert.Contains(t, out.String(), "Change to next filter: Red")
}

func TestQueueAnswer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	q := prompt.NewQueue(2, zerolog.Nop())

	res := make(chan bool, 1)
	go func() {
		ok, _ := q.Confirm(context.Background(), prompt.Notice{Text: "overwrite?"})
		res <- ok
	}()
	require.Eventually(t, func() bool { return len(q.Pending()) == 1 }, time.Second, time.Millisecond)
	req := q.Pending()[0]
	assert.Equal(t, prompt.KindConfirm, req.Kind)
	require.NoError(t, q.Answer(req.ID, true))
	assert.True(t, <-res)
	assert.Empty(t, q.Pending())
	assert.ErrorIs(t, q.Answer(req.ID, true), prompt.ErrUnknownPrompt)
}

func TestQueueAcknowledgeCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	q := prompt.NewQueue(2, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Acknowledge(ctx, prompt.Notice{Text: "Change to next filter: Green"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, q.Pending())
}

func TestQueueKeepsRecentNotices(t *testing.T) {
	q := prompt.NewQueue(2, zerolog.Nop())
	for _, s := range []string{"a", "b", "c"} {
		q.Notify(context.Background(), prompt.Notice{Text: s})
	}
	n := q.Notices()
	require.Len(t, n, 2)
	assert.Equal(t, "b", n[0].Text)
	assert.Equal(t, "c", n[1].Text)
}
