package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/document"
	"github.com/youruser/redline/internal/llm/llmtest"
	"github.com/youruser/redline/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newManager(replies ...llmtest.Reply) (*Manager, *llmtest.Gateway) {
	gw := llmtest.New("gpt-4o-mini", replies...)
	return NewManager(pipeline.New(gw), cost.DefaultTable()), gw
}

func texts(doc document.Document) []string {
	var out []string
	for _, b := range doc.Blocks() {
		out = append(out, b.Text)
	}
	return out
}

func assertNoPending(t *testing.T, doc document.Document) {
	t.Helper()
	for _, b := range doc.Blocks() {
		assert.False(t, b.Pending, "block %q still pending", b.Text)
		assert.Empty(t, b.Display, "block %q still has a display form", b.Text)
	}
}

func TestSubmitAccept(t *testing.T) {
	mgr, _ := newManager(
		llmtest.Text(`["2 tbsp sugar"]`),
		llmtest.Text(`["2 tbsp maple syrup"]`),
	)
	doc := document.NewMemory("recipe", []string{"1 cup flour", "2 tbsp sugar"})

	s, err := mgr.Submit(context.Background(), doc, "convert sugar to maple syrup")
	require.NoError(t, err)
	assert.Equal(t, Proposed, s.State())

	blocks := doc.Blocks()
	assert.False(t, blocks[0].Pending)
	assert.True(t, blocks[1].Pending)
	assert.Equal(t, "2 tbsp sugar → 2 tbsp maple syrup", blocks[1].Display)
	assert.Equal(t, []string{"1 cup flour", "2 tbsp sugar"}, texts(doc), "text unchanged until accept")

	out, err := s.Accept()
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	require.Len(t, out.Records, 1)
	assert.Equal(t, blocks[1].ID, out.Records[0].BlockID)
	assert.Equal(t, 200, out.Cost.PromptTokens)
	assert.Greater(t, out.Cost.TotalUSD, 0.0)

	assert.Equal(t, []string{"1 cup flour", "2 tbsp maple syrup"}, texts(doc))
	assertNoPending(t, doc)
	assert.Equal(t, Idle, s.State())
	_, active := mgr.Active("recipe")
	assert.False(t, active)
}

func TestSubmitCancel(t *testing.T) {
	mgr, _ := newManager(
		llmtest.Text(`["1 cup flour", "2 tbsp sugar"]`),
		llmtest.Text(`["1 cup rye flour", "2 tbsp honey"]`),
	)
	doc := document.NewMemory("recipe", []string{"1 cup flour", "2 tbsp sugar", "1 egg"})

	s, err := mgr.Submit(context.Background(), doc, "make it rustic")
	require.NoError(t, err)
	require.Len(t, s.Records(), 2)

	out, err := s.Cancel()
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, []string{"1 cup flour", "2 tbsp sugar", "1 egg"}, texts(doc))
	assertNoPending(t, doc)

	_, err = s.Cancel()
	assert.ErrorIs(t, err, ErrNotProposed)
	_, err = s.Accept()
	assert.ErrorIs(t, err, ErrNotProposed)
}

func TestEmptySelection(t *testing.T) {
	mgr, gw := newManager(llmtest.Text(`[]`), llmtest.Text(`[]`))
	doc := document.NewMemory("recipe", []string{"1 cup flour"})

	s, err := mgr.Submit(context.Background(), doc, "add vanilla")
	require.NoError(t, err)
	assert.Equal(t, Proposed, s.State())
	assert.Empty(t, s.Records())
	assert.Len(t, gw.Calls(), 1, "reviser is not called for an empty selection")

	_, err = s.Accept()
	require.NoError(t, err)
	assert.Equal(t, []string{"1 cup flour"}, texts(doc))

	s, err = mgr.Submit(context.Background(), doc, "add vanilla")
	require.NoError(t, err)
	_, err = s.Cancel()
	require.NoError(t, err)
	assertNoPending(t, doc)
}

func TestUnmatchedSpanIsReported(t *testing.T) {
	mgr, _ := newManager(
		llmtest.Text(`["3 cloves garlic", "2 tbsp sugar"]`),
		llmtest.Text(`["3 cloves shallot", "2 tbsp honey"]`),
	)
	doc := document.NewMemory("recipe", []string{"1 cup flour", "2 tbsp sugar"})

	s, err := mgr.Submit(context.Background(), doc, "swap")
	require.NoError(t, err)
	t.Cleanup(func() { s.Cancel() })

	p := s.Proposal()
	assert.Equal(t, Proposed, p.State)
	require.Len(t, p.Changes, 1)
	assert.Equal(t, 1, p.Changes[0].Index)
	assert.NotEmpty(t, p.Changes[0].Segments)
	assert.Equal(t, []int{0}, p.Unmatched)
	assert.Equal(t, pipeline.Selection{"3 cloves garlic", "2 tbsp sugar"}, p.Selection)
}

func TestConflict(t *testing.T) {
	mgr, gw := newManager(
		llmtest.Text(`["2 tbsp sugar"]`),
		llmtest.Text(`["2 tbsp honey"]`),
	)
	doc := document.NewMemory("recipe", []string{"2 tbsp sugar"})

	s, err := mgr.Submit(context.Background(), doc, "honey")
	require.NoError(t, err)

	_, err = mgr.Submit(context.Background(), doc, "agave")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Len(t, gw.Calls(), 2, "rejected submit makes no calls")
	assert.Equal(t, Proposed, s.State())
	assert.True(t, doc.Blocks()[0].Pending)

	held, ok := mgr.Active("recipe")
	require.True(t, ok)
	assert.Same(t, s, held)

	other := document.NewMemory("other", []string{"x"})
	_, err = mgr.Submit(context.Background(), other, "y")
	assert.NotErrorIs(t, err, ErrConflict, "other documents are not blocked")

	_, err = s.Accept()
	require.NoError(t, err)
}

func TestProviderFailureReturnsToIdle(t *testing.T) {
	boom := errors.New("upstream 500")
	mgr, _ := newManager(
		llmtest.Text(`["2 tbsp sugar"]`),
		llmtest.Fail(boom),
	)
	doc := document.NewMemory("recipe", []string{"2 tbsp sugar"})

	_, err := mgr.Submit(context.Background(), doc, "honey")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, pipeline.StageReviser, stageErr.Stage)
	assert.Equal(t, KindProvider, stageErr.Kind)
	assert.ErrorIs(t, err, pipeline.ErrProvider)
	assert.ErrorIs(t, err, boom)

	assertNoPending(t, doc)
	_, active := mgr.Active("recipe")
	assert.False(t, active)
}

func TestFatalParseReturnsToIdle(t *testing.T) {
	mgr, _ := newManager(llmtest.Text("sugar"), llmtest.Text("the sugar line"))
	doc := document.NewMemory("recipe", []string{"2 tbsp sugar"})

	_, err := mgr.Submit(context.Background(), doc, "honey")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, pipeline.StageSelector, stageErr.Stage)
	assert.Equal(t, KindFatalParse, stageErr.Kind)
	assert.ErrorIs(t, err, pipeline.ErrFatalParse)
	assertNoPending(t, doc)
}

func TestAbort(t *testing.T) {
	mgr, gw := newManager(
		llmtest.Text(`["2 tbsp sugar"]`),
		llmtest.Reply{Block: true},
		llmtest.Text(`["2 tbsp sugar"]`),
		llmtest.Text(`["2 tbsp honey"]`),
	)
	doc := document.NewMemory("recipe", []string{"2 tbsp sugar"})

	assert.ErrorIs(t, mgr.Abort("recipe"), ErrNoSession)

	errc := make(chan error, 1)
	go func() {
		_, err := mgr.Submit(context.Background(), doc, "honey")
		errc <- err
	}()

	select {
	case <-gw.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("reviser call never started")
	}

	_, err := mgr.Submit(context.Background(), doc, "agave")
	assert.ErrorIs(t, err, ErrConflict, "proposing session holds the document")

	require.NoError(t, mgr.Abort("recipe"))

	err = <-errc
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, KindAborted, stageErr.Kind)
	assert.ErrorIs(t, err, context.Canceled)
	assertNoPending(t, doc)

	s, err := mgr.Submit(context.Background(), doc, "honey")
	require.NoError(t, err, "document is free after abort")
	assert.ErrorIs(t, mgr.Abort("recipe"), ErrNotProposing)
	_, err = s.Accept()
	require.NoError(t, err)
	assert.Equal(t, []string{"2 tbsp honey"}, texts(doc))
}

func TestDeadlineIsProviderFailure(t *testing.T) {
	mgr, _ := newManager(llmtest.Reply{Block: true})
	doc := document.NewMemory("recipe", []string{"2 tbsp sugar"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mgr.Submit(ctx, doc, "honey")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, KindProvider, stageErr.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, active := mgr.Active("recipe")
	assert.False(t, active)
}

// shrinkingDoc hides a block from Blocks to simulate an editor that broke
// the structure contract mid-session.
type shrinkingDoc struct {
	*document.Memory
	hide string
}

func (d *shrinkingDoc) Blocks() []document.Block {
	var out []document.Block
	for _, b := range d.Memory.Blocks() {
		if b.ID != d.hide {
			out = append(out, b)
		}
	}
	return out
}

func TestAcceptMissingBlockLeavesDocumentUntouched(t *testing.T) {
	mgr, _ := newManager(
		llmtest.Text(`["1 cup flour", "2 tbsp sugar"]`),
		llmtest.Text(`["1 cup rye flour", "2 tbsp honey"]`),
	)
	doc := &shrinkingDoc{Memory: document.NewMemory("recipe", []string{"1 cup flour", "2 tbsp sugar"})}

	s, err := mgr.Submit(context.Background(), doc, "swap")
	require.NoError(t, err)
	doc.hide = doc.Memory.Blocks()[1].ID

	_, err = s.Accept()
	assert.ErrorIs(t, err, document.ErrBlockNotFound)
	assert.Equal(t, Proposed, s.State())
	assert.Equal(t, "1 cup flour", doc.Memory.Blocks()[0].Text)

	_, err = s.Cancel()
	require.NoError(t, err)
	assertNoPending(t, doc.Memory)
}

func TestSessionsHaveOwnMeters(t *testing.T) {
	mgr, _ := newManager(
		llmtest.Text(`["a b"]`),
		llmtest.Text(`["A B"]`),
		llmtest.Text(`[]`),
	)
	first, err := mgr.Submit(context.Background(), document.NewMemory("one", []string{"a b"}), "upper")
	require.NoError(t, err)
	second, err := mgr.Submit(context.Background(), document.NewMemory("two", []string{"c d"}), "noop")
	require.NoError(t, err)

	assert.Len(t, first.Meter().Entries(), 2)
	assert.Len(t, second.Meter().Entries(), 1)
	assert.NotEqual(t, first.ID(), second.ID())

	_, err = first.Cancel()
	require.NoError(t, err)
	_, err = second.Cancel()
	require.NoError(t, err)
}

func TestReplaceDuringLookupConflicts(t *testing.T) {
	mgr, gw := newManager(llmtest.Reply{Block: true})
	doc := document.NewMemory("recipe", []string{"2 tbsp sugar"})

	replaced := make(chan error, 1)
	lookup := func(id string) (document.Document, error) {
		go func() {
			replaced <- mgr.Replace(id, func() { t.Error("document replaced under an active session") })
		}()
		return doc, nil
	}

	errc := make(chan error, 1)
	go func() {
		_, err := mgr.SubmitLookup(context.Background(), "recipe", lookup, "honey")
		errc <- err
	}()

	select {
	case <-gw.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("selector call never started")
	}
	assert.ErrorIs(t, <-replaced, ErrConflict)

	require.NoError(t, mgr.Abort("recipe"))
	assert.Error(t, <-errc)

	called := false
	require.NoError(t, mgr.Replace("recipe", func() { called = true }))
	assert.True(t, called, "idle document can be replaced")
}

func TestSubmitLookupError(t *testing.T) {
	mgr, gw := newManager()
	missing := errors.New("no such document")

	_, err := mgr.SubmitLookup(context.Background(), "recipe", func(string) (document.Document, error) {
		return nil, missing
	}, "honey")
	assert.ErrorIs(t, err, missing)
	assert.Empty(t, gw.Calls())
	_, active := mgr.Active("recipe")
	assert.False(t, active, "failed lookup leaves no session behind")
}
