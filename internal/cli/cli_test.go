package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connpro/orchestrator/internal/agent"
	"github.com/connpro/orchestrator/internal/analytics"
	"github.com/connpro/orchestrator/internal/client"
	"github.com/connpro/orchestrator/internal/config"
	"github.com/connpro/orchestrator/internal/job"
	"github.com/connpro/orchestrator/internal/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadItems_Text(t *testing.T) {
	path := writeFile(t, "items.txt", `
# prospects
https://www.linkedin.com/in/ada

  https://www.linkedin.com/in/bob
`)
	m, err := loadItems(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://www.linkedin.com/in/ada", "https://www.linkedin.com/in/bob"}, m.Items)
}

func TestLoadItems_YAML(t *testing.T) {
	list := writeFile(t, "items.yaml", "- https://www.linkedin.com/in/ada\n- https://www.linkedin.com/in/bob\n")
	m, err := loadItems(list)
	require.NoError(t, err)
	assert.Len(t, m.Items, 2)

	manifest := writeFile(t, "job.yml", `
note: "Hi [Name]"
template: recruiter
items:
  - https://www.linkedin.com/in/ada
  - " "
`)
	m, err = loadItems(manifest)
	require.NoError(t, err)
	assert.Equal(t, "Hi [Name]", m.Note)
	assert.Equal(t, "recruiter", m.Template)
	assert.Equal(t, []string{"https://www.linkedin.com/in/ada"}, m.Items)
}

func TestLoadItems_Errors(t *testing.T) {
	_, err := loadItems(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	_, err = loadItems(writeFile(t, "empty.txt", "# nothing\n"))
	assert.ErrorContains(t, err, "no items")

	_, err = loadItems(writeFile(t, "bad.yaml", "items: [unclosed"))
	assert.Error(t, err)
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, job.Status{Status: "Processing 3/10 profiles", Current: 2, Total: 10, ProgressPercent: 20, State: job.StateDispatching})
	out := buf.String()
	assert.Contains(t, out, "Processing 3/10 profiles")
	assert.Contains(t, out, "2/10 (20%)")
}

func TestPrintTally(t *testing.T) {
	var buf bytes.Buffer
	printTally(&buf, analytics.Tally{
		TotalSent:  4,
		Successful: 3,
		Failed:     1,
		ByDate:     map[string]analytics.DayCount{"2026-10-17": {Sent: 4, Successful: 3}},
		ErrorTypes: map[string]int{"page_timeout": 1},
	})
	out := buf.String()
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "2026-10-17")
	assert.Contains(t, out, "page_timeout")
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		NodeID:            "test-node",
		DataDir:           t.TempDir(),
		ItemDeadline:      2 * time.Second,
		SettleDelay:       10 * time.Millisecond,
		HeartbeatInterval: time.Second,
		WatchdogInterval:  time.Second,
		StaleAfter:        time.Minute,
		ReopenDelay:       10 * time.Millisecond,
		MilestoneEvery:    5,
	}
}

// The whole stack: HTTP API, agent bridge, dry-run agent and controller.
func TestNode_EndToEnd(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("<html>profile</html>"))
	}))
	defer site.Close()

	n, err := newNode(testConfig(t), logging.Discard())
	require.NoError(t, err)
	defer n.Close()

	srv := httptest.NewServer(n.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := agent.New("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/agent", agent.WithLogger(logging.Discard()))
	go a.Run(ctx)
	require.Eventually(t, func() bool { return n.agents.Stats().Connected == 1 }, 5*time.Second, 10*time.Millisecond)

	c := client.New(srv.URL)
	_, err = c.Start(ctx, client.StartOptions{
		Items: []string{site.URL + "/in/ada-lovelace", site.URL + "/in/missing", site.URL + "/in/bob"},
		Note:  "Hi [Name]",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && !st.IsRunning && st.Current == 3
	}, 10*time.Second, 20*time.Millisecond)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Completed 3/3 profiles", st.Status)
	assert.Equal(t, job.StateCompleted, st.State)

	tally, err := c.Analytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, tally.TotalSent)
	assert.Equal(t, 2, tally.Successful)
	assert.Equal(t, 1, tally.ErrorTypes["http_404"])

	ok, failed := a.Counts()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
}

func TestNode_RestoresAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	n, err := newNode(cfg, logging.Discard())
	require.NoError(t, err)
	_, err = n.controller.Start(job.StartRequest{Items: []string{"u1", "u2"}, Delay: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, job.StateStopped, n.controller.Stop().State)
	require.NoError(t, n.Close())

	n, err = newNode(cfg, logging.Discard())
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.controller.Restore())

	st := n.controller.Status()
	assert.False(t, st.IsRunning)
	assert.Equal(t, job.StateStopped, st.State)
	assert.Equal(t, 2, st.Total)
}
