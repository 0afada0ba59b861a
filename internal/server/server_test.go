package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"artgen/internal/approval"
	"artgen/internal/asset"
	"artgen/internal/graph"
	"artgen/internal/orchestrator"
	"artgen/internal/provider"
	"artgen/internal/spec"
)

const reviewDoc = `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: draw
    type: generate_image
    for_each: asset
    variations: 2
    select: user
    cache: false
    config:
      prompt: "draw {asset.name}"
`

type testEnv struct {
	srv     *httptest.Server
	queue   *approval.Queue
	runDone <-chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	p, err := spec.Parse([]byte(reviewDoc))
	require.NoError(t, err)
	g, err := graph.Compile(p)
	require.NoError(t, err)

	store := asset.NewStore()
	q := approval.NewQueue(store)
	reg := provider.NewRegistry()
	reg.Register(provider.NewFake())

	orch, err := orchestrator.New(orchestrator.Deps{
		Graph:    g,
		Store:    store,
		Queue:    q,
		Registry: reg,
	}, orchestrator.Options{RunID: "run-test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("run never finished")
		}
	})

	srv := httptest.NewServer(New(orch, nil, orch.RunID()).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, queue: q, runDone: done}
}

func (e *testEnv) waitItem(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.queue.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no approval item arrived")
		}
		time.Sleep(time.Millisecond)
	}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.waitItem(t)

	var status asset.QueueStatus
	resp := getJSON(t, e.srv.URL+"/status", &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, status.TotalAssets)
	require.Equal(t, 1, status.AwaitingApproval)
	require.True(t, status.Running)
}

func TestQueueNextAndDecide(t *testing.T) {
	e := newTestEnv(t)
	e.waitItem(t)

	var next struct {
		Item *itemView `json:"item"`
	}
	resp := getJSON(t, e.srv.URL+"/queue/next", &next)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, next.Item)
	require.Equal(t, "dragon", next.Item.AssetID)
	require.Equal(t, spec.SelectChooseOne, next.Item.Mode)
	require.Len(t, next.Item.Options, 2)
	require.NotEmpty(t, next.Item.Options[0].Ref)

	// A stale revision must conflict, not apply.
	resp = postJSON(t, e.srv.URL+"/queue/decide", map[string]any{
		"item_id":  next.Item.ID,
		"revision": next.Item.Revision - 1,
		"approved": true,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, e.srv.URL+"/queue/decide", map[string]any{
		"item_id":        next.Item.ID,
		"revision":       next.Item.Revision,
		"approved":       true,
		"selected_index": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-e.runDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish after approval")
	}
}

func TestQueueList(t *testing.T) {
	e := newTestEnv(t)
	e.waitItem(t)

	var list struct {
		Items    []itemView `json:"items"`
		Revision int64      `json:"revision"`
	}
	resp := getJSON(t, e.srv.URL+"/queue", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Items, 1)
	require.Equal(t, "draw", list.Items[0].StepID)
}

func TestRegenerateEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.waitItem(t)

	it, ok := e.queue.Current()
	require.True(t, ok)
	firstID := it.ID

	resp := postJSON(t, e.srv.URL+"/queue/regenerate", map[string]any{
		"item_id":         it.ID,
		"revision":        it.Revision,
		"modified_prompt": "draw it bigger",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The worker regenerates and enqueues a fresh item.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if next, ok := e.queue.Current(); ok && next.ID != firstID {
			require.Equal(t, 2, next.Attempt)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no regenerated item arrived")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControlPauseResume(t *testing.T) {
	e := newTestEnv(t)
	e.waitItem(t)

	resp := postJSON(t, e.srv.URL+"/control/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status asset.QueueStatus
	getJSON(t, e.srv.URL+"/status", &status)
	require.True(t, status.Paused)

	resp = postJSON(t, e.srv.URL+"/control/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	getJSON(t, e.srv.URL+"/status", &status)
	require.False(t, status.Paused)
}

func TestBadRequests(t *testing.T) {
	e := newTestEnv(t)

	resp := postJSON(t, e.srv.URL+"/queue/decide", map[string]any{"revision": 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/queue/decide", nil)
	got, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	got.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, got.StatusCode)
}

func TestCORSHeaders(t *testing.T) {
	e := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodOptions, e.srv.URL+"/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}
