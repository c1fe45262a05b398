package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/monitor"
	"github.com/roach88/eventcore/internal/testutil"
	"github.com/roach88/eventcore/internal/tickets"
)

// cliEnv runs commands against one temp database with a fake clock and
// sequential event ids.
type cliEnv struct {
	db    string
	clock *testutil.FakeClock
	ids   *es.SequenceGenerator
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	return &cliEnv{
		db:    filepath.Join(t.TempDir(), "eventcore.db"),
		clock: testutil.NewFakeClock(),
		ids:   es.NewSequenceGenerator("evt"),
	}
}

func (e *cliEnv) options() *RootOptions {
	return &RootOptions{Database: e.db, Clock: e.clock, IDs: e.ids}
}

// run executes the root command with args and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommandWithOptions(e.options())
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--db", e.db}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "eventcore %v", args)
	return out
}

// runJSON executes a command with --format json and decodes the data field.
func (e *cliEnv) runJSON(t *testing.T, data any, args ...string) {
	t.Helper()
	out := e.mustRun(t, append([]string{"--format", "json"}, args...)...)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, data))
}

// seed appends two tickets and a comment, the second ticket an hour later.
func (e *cliEnv) seed(t *testing.T) {
	t.Helper()
	e.mustRun(t, "append", tickets.AggregateType, "T-1", tickets.TypeTicketCreated,
		"--payload", `{"title":"Printer jammed","priority":2}`, "--expected-version", "0")
	e.mustRun(t, "append", tickets.AggregateType, "T-1", tickets.TypeCommentAdded,
		"--payload", `{"body":"on it","author":"sam"}`, "--meta", "source=cli")
	e.clock.Advance(time.Hour)
	e.mustRun(t, "append", tickets.AggregateType, "T-2", tickets.TypeTicketCreated,
		"--payload", `{"title":"No wifi"}`)
}

func TestAppendCommand(t *testing.T) {
	e := newCLIEnv(t)

	out := e.mustRun(t, "append", "Ticket", "T-1", "TicketCreated",
		"--payload", `{"title":"Printer jammed"}`, "--expected-version", "0", "--meta", "source=cli")
	assert.Contains(t, out, "Appended TicketCreated to Ticket/T-1 at version 1, position 1")
	assert.Contains(t, out, "id:       evt-1")
	assert.Contains(t, out, "recorded: 2024-03-15 09:30:00")
	assert.Contains(t, out, "metadata: source=cli")

	var events []es.Event
	e.runJSON(t, &events, "append", "Ticket", "T-1", "TicketRetitled", "--payload", `{"title":"Printer on 3rd floor jammed"}`)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].AggregateVersion)
	assert.Equal(t, int64(2), events[0].Position)
	assert.Equal(t, "evt-2", events[0].ID)
}

func TestAppendCommand_ConcurrencyConflict(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun(t, "append", "Ticket", "T-1", "TicketCreated", "--payload", `{"title":"x"}`, "--expected-version", "0")

	_, err := e.run(t, "append", "Ticket", "T-1", "TicketCreated", "--payload", `{"title":"y"}`, "--expected-version", "0")
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestAppendCommand_Rejections(t *testing.T) {
	e := newCLIEnv(t)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  error
	}{
		{"schema violation", []string{"Ticket", "T-1", "TicketCreated", "--payload", `{"title":""}`}, ExitFailure, es.ErrValidation},
		{"payload not an object", []string{"Ticket", "T-1", "Pinged", "--payload", `[1,2]`}, ExitFailure, es.ErrValidation},
		{"invalid event type", []string{"Ticket", "T-1", "not a type"}, ExitFailure, es.ErrValidation},
		{"malformed JSON", []string{"Ticket", "T-1", "TicketCreated", "--payload", `{"title":`}, ExitCommandError, nil},
		{"bad expected version", []string{"Ticket", "T-1", "TicketCreated", "--expected-version", "-5"}, ExitCommandError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.run(t, append([]string{"append"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, GetExitCode(err))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	var overview monitor.Overview
	e.runJSON(t, &overview, "overview")
	assert.Zero(t, overview.TotalEvents, "rejected appends write nothing")
}

func TestAppendCommand_JSONError(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, "--format", "json", "append", "Ticket", "T-1", "TicketCreated", "--payload", `{"title":""}`)
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(es.CodeValidation), resp.Error.Code)
}

func TestStreamCommand(t *testing.T) {
	e := newCLIEnv(t)
	e.seed(t)

	out := e.mustRun(t, "stream", "Ticket", "T-1")
	assert.Contains(t, out, "Stream Ticket/T-1 at version 2")
	assert.Contains(t, out, "#1 TicketCreated (position 1, 2024-03-15 09:30:00)")
	assert.Contains(t, out, `payload:  {"priority":2,"title":"Printer jammed"}`)
	assert.Contains(t, out, "#2 CommentAdded (position 2, 2024-03-15 09:30:00)")

	var result StreamResult
	e.runJSON(t, &result, "stream", "Ticket", "T-1", "--after-version", "1")
	assert.Equal(t, int64(2), result.Version)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "CommentAdded", result.Events[0].Type)
	assert.Equal(t, map[string]string{"source": "cli"}, result.Events[0].Metadata)

	_, err := e.run(t, "stream", "Ticket", "T-404")
	require.ErrorIs(t, err, es.ErrNotFound)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestEventsCommand(t *testing.T) {
	e := newCLIEnv(t)
	e.seed(t)

	out := e.mustRun(t, "events")
	assert.Contains(t, out, "POSITION")
	assert.Contains(t, out, "Ticket/T-2")
	assert.Contains(t, out, "title=No wifi")
	assert.Contains(t, out, "author=sam body=on it")

	var events []monitor.RecentEvent
	e.runJSON(t, &events, "events", "--type", "TicketCreated", "--limit", "1")
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Position, "newest first")

	empty := newCLIEnv(t)
	assert.Contains(t, empty.mustRun(t, "events"), "No events found.")
}

func TestCatchUpAndProjections_Golden(t *testing.T) {
	e := newCLIEnv(t)
	e.seed(t)

	var results []CatchUpResult
	e.runJSON(t, &results, "catchup")
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "caught_up", r.Outcome, r.Projection)
		assert.Equal(t, int64(3), r.Position, r.Projection)
	}

	out := e.mustRun(t, "projections")
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	g.Assert(t, "projections", []byte(out))
}

func TestCatchUpCommand_UnknownProjection(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, "catchup", "ghost")
	require.ErrorIs(t, err, es.ErrNotFound)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFailureLifecycle(t *testing.T) {
	e := newCLIEnv(t)
	e.seed(t)
	// A comment on a ticket that was never created breaks the board.
	e.mustRun(t, "append", "Ticket", "T-9", "CommentAdded", "--payload", `{"body":"hello?","author":"sam"}`)

	out, err := e.run(t, "catchup")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "failure #1")
	assert.Contains(t, out, "CommentAdded on unknown ticket T-9")

	var page struct {
		Items []es.ProcessingFailure `json:"items"`
		Total int64                  `json:"total"`
	}
	e.runJSON(t, &page, "failures")
	require.Equal(t, int64(1), page.Total)
	failure := page.Items[0]
	assert.Equal(t, tickets.BoardName, failure.SubscriptionName)
	assert.Equal(t, int64(4), failure.Position)
	assert.Equal(t, "evt-4", failure.EventID)
	assert.False(t, failure.IsResolved)

	out = e.mustRun(t, "failures")
	assert.Contains(t, out, "ticket_board")
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "Page 1 of 1 (1 failures)")

	// Still blocked before the retry time.
	out, err = e.run(t, "catchup", tickets.BoardName)
	require.Error(t, err)
	assert.Contains(t, out, "blocked")

	out = e.mustRun(t, "resolve", "1")
	assert.Contains(t, out, "failure 1 resolved; ticket_board will skip position 4")

	var results []CatchUpResult
	e.runJSON(t, &results, "catchup", tickets.BoardName)
	require.Len(t, results, 1)
	assert.Equal(t, "caught_up", results[0].Outcome)
	assert.Equal(t, int64(4), results[0].Position)
	assert.Equal(t, 1, results[0].Skipped)

	assert.Contains(t, e.mustRun(t, "failures"), "No failures.")
	out = e.mustRun(t, "failures", "--all")
	assert.Contains(t, out, "manual")
}

func TestResolveCommand_Errors(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, "resolve", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := e.run(t, "--format", "json", "resolve", "42")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(es.CodeNotFound), resp.Error.Code)
}

func TestRebuildCommand(t *testing.T) {
	e := newCLIEnv(t)
	e.seed(t)
	e.mustRun(t, "catchup")

	out := e.mustRun(t, "rebuild", tickets.BoardName)
	assert.Contains(t, out, "rebuilt ticket_board from position 0 to 3 (3 applied, 0 skipped)")

	out = e.mustRun(t, "rebuild", tickets.ActivityName, "--from", "2")
	assert.Contains(t, out, "rebuilt activity_counts from position 2 to 3 (1 applied, 0 skipped)")

	_, err := e.run(t, "rebuild", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = e.run(t, "--format", "json", "rebuild", tickets.BoardName, "--from", "99")
	require.Error(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(es.CodeValidation), resp.Error.Code)
}

func TestOverviewAndStatsCommands(t *testing.T) {
	e := newCLIEnv(t)
	e.seed(t)
	e.mustRun(t, "catchup")

	out := e.mustRun(t, "overview")
	assert.Contains(t, out, "Total events:")
	assert.Contains(t, out, "2 active / 2 total")
	assert.Contains(t, out, "Top event types:")
	assert.Contains(t, out, "Last 7 days:")
	assert.Contains(t, out, "2024-03-15")

	var overview monitor.Overview
	e.runJSON(t, &overview, "overview")
	assert.Equal(t, int64(3), overview.TotalEvents)
	assert.Equal(t, int64(3), overview.HeadPosition)
	assert.Zero(t, overview.UnresolvedFailures)

	out = e.mustRun(t, "stats")
	assert.Contains(t, out, "By event type:")
	assert.Contains(t, out, "By aggregate type:")
	assert.Contains(t, out, "09:00")
	assert.Contains(t, out, "10:00")
	assert.Contains(t, out, "Last 30 days:")

	var stats monitor.Statistics
	e.runJSON(t, &stats, "stats")
	require.Len(t, stats.ByAggregateType, 1)
	assert.Equal(t, int64(3), stats.ByAggregateType[0].Count)
	assert.Len(t, stats.HourlyToday, 24)
}

func TestServeCommand(t *testing.T) {
	e := newCLIEnv(t)
	e.seed(t)

	ready := make(chan string, 1)
	cmd := newServeCommand(&ServeOptions{RootOptions: e.options(), ready: ready})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--metrics-addr", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("serve did not start")
	}

	require.Eventually(t, func() bool {
		out, err := e.run(t, "--format", "json", "projections")
		if err != nil {
			return false
		}
		var resp struct {
			Data []monitor.ProjectionInfo `json:"data"`
		}
		if json.Unmarshal([]byte(out), &resp) != nil {
			return false
		}
		infos := resp.Data
		for _, p := range infos {
			if p.Position != 3 {
				return false
			}
		}
		return len(infos) == 2
	}, 10*time.Second, 50*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "eventcore_projection_position")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestConfigFileAndOverrides(t *testing.T) {
	e := newCLIEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "eventcore.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("batch_size: 0\n"), 0o600))

	_, err := e.run(t, "--config", cfgPath, "projections")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "BatchSize")
}
