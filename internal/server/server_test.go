package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"arclimb/internal/edge"
	"arclimb/internal/geometry"
	"arclimb/internal/graph"
	"arclimb/internal/imagestore"
	"arclimb/internal/matcher"
	"arclimb/internal/pipeline"
	"arclimb/internal/query"
	"arclimb/internal/service"
)

var frame = geometry.Size{Width: 200, Height: 200}

func shifted(dx, dy float64) []geometry.Correspondence {
	var out []geometry.Correspondence
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			src := geometry.Point{X: 40 + float64(i)*30, Y: 40 + float64(j)*30}
			out = append(out, geometry.Correspondence{
				Src:        src,
				Dst:        geometry.Point{X: src.X - dx, Y: src.Y - dy},
				Confidence: 0.9,
			})
		}
	}
	return out
}

type testEnv struct {
	svc  *service.Service
	pipe *pipeline.Pipeline
	srv  *Server
	http *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	images := imagestore.NewMemStore()
	for _, r := range []string{"a.jpg", "b.jpg", "c.jpg", "visitor.jpg", "far.jpg"} {
		images.Put(imagestore.Image{Ref: r, Size: frame})
	}
	table := matcher.Table{
		{"a.jpg", "b.jpg"}:       shifted(20, 0),
		{"b.jpg", "c.jpg"}:       shifted(0, 15),
		{"visitor.jpg", "a.jpg"}: shifted(5, 5),
	}
	reg := prometheus.NewRegistry()
	svc, err := service.New(context.Background(), service.Deps{
		Images:     images,
		Matcher:    table,
		Registerer: reg,
		Logger:     slog.Default(),
	}, service.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pipe := pipeline.New(ctx, pipeline.Options{Workers: 1, QueueSize: 4}, nil, nil, pipeline.NewRouter(svc, nil, nil))
	srv, err := NewServer(Config{Service: svc, Pipeline: pipe, Gatherer: reg})
	if err != nil {
		t.Fatal(err)
	}
	go srv.hub.run(ctx)
	go srv.forwardResults(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		pipe.Stop()
	})
	return &testEnv{svc: svc, pipe: pipe, srv: srv, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *testEnv) addNode(t *testing.T, ref string) graph.NodeID {
	t.Helper()
	resp := e.do(t, "POST", "/nodes", `{"ref":"`+ref+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add %s: status %d", ref, resp.StatusCode)
	}
	return decode[addNodeResponse](t, resp).ID
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "GET", "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAddNodesAndQuery(t *testing.T) {
	env := newTestEnv(t)
	a := env.addNode(t, "a.jpg")
	b := env.addNode(t, "b.jpg")
	c := env.addNode(t, "c.jpg")

	nodes := decode[[]graph.ImageNode](t, env.do(t, "GET", "/nodes", ""))
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
	edges := decode[[]json.RawMessage](t, env.do(t, "GET", "/edges", ""))
	if len(edges) != 2 {
		t.Fatalf("expected 2 auto-connected edges, got %d", len(edges))
	}

	q := url.Values{"src": {string(a)}, "x": {"100"}, "y": {"100"}, "dst": {string(c)}}
	resp := env.do(t, "GET", "/query?"+q.Encode(), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query: status %d", resp.StatusCode)
	}
	res := decode[query.Result](t, resp)
	if math.Abs(res.Point.X-80) > 1e-6 || math.Abs(res.Point.Y-85) > 1e-6 {
		t.Fatalf("expected (80,85), got %+v", res.Point)
	}
	if len(res.Path) != 3 || res.Path[1] != b {
		t.Fatalf("expected path through b, got %v", res.Path)
	}

	q.Set("explain", "true")
	candidates := decode[[]query.Result](t, env.do(t, "GET", "/query?"+q.Encode(), ""))
	if len(candidates) == 0 {
		t.Fatalf("expected candidates")
	}

	node := decode[nodeView](t, env.do(t, "GET", "/nodes/"+string(b), ""))
	if len(node.Neighbors) != 2 {
		t.Fatalf("expected b to have 2 neighbors, got %v", node.Neighbors)
	}
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	a := env.addNode(t, "a.jpg")
	far := env.addNode(t, "far.jpg")

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"duplicate ref", "POST", "/nodes", `{"ref":"a.jpg"}`, http.StatusConflict},
		{"missing image", "POST", "/nodes", `{"ref":"nope.jpg"}`, http.StatusNotFound},
		{"bad body", "POST", "/nodes", `{}`, http.StatusBadRequest},
		{"unknown node", "GET", "/nodes/ghost", "", http.StatusNotFound},
		{"unknown query node", "GET", "/query?src=ghost&x=1&y=1&dst=" + string(a), "", http.StatusNotFound},
		{"no path", "GET", "/query?src=" + string(a) + "&x=1&y=1&dst=" + string(far), "", http.StatusUnprocessableEntity},
		{"bad query", "GET", "/query?src=" + string(a) + "&x=oops&y=1&dst=" + string(far), "", http.StatusBadRequest},
		{"nan query", "GET", "/query?src=" + string(a) + "&x=NaN&y=1&dst=" + string(a), "", http.StatusBadRequest},
		{"inf query", "GET", "/query?src=" + string(a) + "&x=1&y=-Inf&dst=" + string(far), "", http.StatusBadRequest},
		{"nan explain", "GET", "/query?explain=true&src=" + string(a) + "&x=nan&y=1&dst=" + string(far), "", http.StatusBadRequest},
		{"meta unknown node", "PATCH", "/nodes/ghost", `{"meta":{"wall":"north"}}`, http.StatusNotFound},
		{"meta bad body", "PATCH", "/nodes/" + string(a), `{}`, http.StatusBadRequest},
		{"self edge", "POST", "/edges", `{"a":"` + string(a) + `","b":"` + string(a) + `"}`, http.StatusUnprocessableEntity},
		{"remove unknown edge", "DELETE", "/edges/" + string(a) + "/" + string(far), "", http.StatusNotFound},
		{"locate no match", "POST", "/locate", `{"ref":"far.jpg"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestConnectEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, err := env.svc.AddImage(ctx, "a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.svc.AddImage(ctx, "b.jpg")
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.svc.AddImage(ctx, "c.jpg")
	if err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, "POST", "/edges", `{"a":"`+string(a)+`","b":"`+string(b)+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if d := decode[edge.Decision](t, resp); !d.Admitted {
		t.Fatalf("expected admitted decision, got %+v", d)
	}

	resp = env.do(t, "POST", "/edges", `{"a":"`+string(a)+`","b":"`+string(c)+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for a rejected pair, got %d", resp.StatusCode)
	}
	if d := decode[edge.Decision](t, resp); d.Admitted || d.Reason != edge.ReasonInsufficient {
		t.Fatalf("expected insufficient correspondences, got %+v", d)
	}

	resp = env.do(t, "POST", "/edges", `{"a":"`+string(b)+`","b":"`+string(a)+`"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for an existing edge, got %d", resp.StatusCode)
	}

	resp = env.do(t, "DELETE", "/edges/"+string(b)+"/"+string(a), "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if env.svc.Snapshot().EdgeCount() != 0 {
		t.Fatalf("expected edge removed")
	}
}

func TestConnectEndpointWithCorrespondences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, err := env.svc.AddImage(ctx, "a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.svc.AddImage(ctx, "c.jpg")
	if err != nil {
		t.Fatal(err)
	}

	body, err := json.Marshal(connectRequest{A: string(a), B: string(c), Correspondences: shifted(-5, 30)})
	if err != nil {
		t.Fatal(err)
	}
	resp := env.do(t, "POST", "/edges", string(body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for supplied correspondences, got %d", resp.StatusCode)
	}
	q := url.Values{"src": {string(a)}, "x": {"100"}, "y": {"100"}, "dst": {string(c)}}
	res := decode[query.Result](t, env.do(t, "GET", "/query?"+q.Encode(), ""))
	if math.Abs(res.Point.X-105) > 1e-6 || math.Abs(res.Point.Y-70) > 1e-6 {
		t.Fatalf("expected (105,70), got %+v", res.Point)
	}

	resp = env.do(t, "POST", "/edges", `{"a":"`+string(a)+`","b":"`+string(c)+`","correspondences":[{"src":{"x":1,"y":1},"dst":{"x":2,"y":2},"confidence":3}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid correspondence, got %d", resp.StatusCode)
	}
}

func TestSetMetaEndpoint(t *testing.T) {
	env := newTestEnv(t)
	a := env.addNode(t, "a.jpg")

	resp := env.do(t, "PATCH", "/nodes/"+string(a), `{"meta":{"wall":"north","route":"arete"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if n := decode[graph.ImageNode](t, resp); n.Meta["route"] != "arete" {
		t.Fatalf("expected updated meta in response, got %v", n.Meta)
	}
	node := decode[nodeView](t, env.do(t, "GET", "/nodes/"+string(a), ""))
	if node.Meta["wall"] != "north" {
		t.Fatalf("expected meta to be published, got %v", node.Meta)
	}
}

func TestWriteJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, query.Result{Point: geometry.Point{X: math.NaN()}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestLocateWithQuery(t *testing.T) {
	env := newTestEnv(t)
	a := env.addNode(t, "a.jpg")
	b := env.addNode(t, "b.jpg")

	resp := env.do(t, "POST", "/locate", `{"ref":"visitor.jpg"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("locate: status %d", resp.StatusCode)
	}
	got := decode[locateResponse](t, resp)
	if got.Node.ID != a || got.Correspondences != 36 {
		t.Fatalf("expected entry a with 36 correspondences, got %+v", got)
	}

	resp = env.do(t, "POST", "/locate", `{"ref":"visitor.jpg","query":{"x":100,"y":100,"dst":"`+string(b)+`"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("locate query: status %d", resp.StatusCode)
	}
	got = decode[locateResponse](t, resp)
	if got.Query == nil {
		t.Fatal("expected query result")
	}
	p := got.Query.Result.Point
	if math.Abs(p.X-75) > 1e-6 || math.Abs(p.Y-95) > 1e-6 {
		t.Fatalf("expected (75,95), got %+v", p)
	}
}

func TestAsyncAdmitStreamsResult(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", env.http.URL+"/stream", nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()

	resp := env.do(t, "POST", "/nodes", `{"ref":"a.jpg","async":true}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	jobID := decode[map[string]string](t, resp)["job_id"]

	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var res struct {
			Job   pipeline.Job `json:"job"`
			Error string       `json:"error"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &res); err != nil {
			t.Fatal(err)
		}
		if res.Job.ID != jobID || res.Error != "" {
			t.Fatalf("unexpected result %+v", res)
		}
		if _, ok := env.svc.FindByRef("a.jpg"); !ok {
			t.Fatal("expected a.jpg admitted")
		}
		return
	}
	t.Fatalf("stream ended without a result: %v", scanner.Err())
}

func TestWebSocketReceivesResults(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Registration is asynchronous; resubmit until the client sees a result.
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	go func() {
		for time.Now().Before(deadline) {
			if _, err := env.pipe.Submit(pipeline.Job{Type: pipeline.JobConnectAll, Nodes: []string{"ghost"}}); err != nil {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"connect-all"`) {
		t.Fatalf("unexpected message %s", msg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.addNode(t, "a.jpg")
	resp := env.do(t, "GET", "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := new(strings.Builder)
	if _, err := bufio.NewReader(resp.Body).WriteTo(body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.String(), "arclimb_graph_nodes 1") {
		t.Fatalf("expected graph node gauge in metrics output")
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(pipeline.ErrQueueFull); got != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", got)
	}
	if got := statusFor(query.ErrUnmappable); got != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", got)
	}
	if got := statusFor(fmt.Errorf("query: %w", geometry.ErrInvalidPoint)); got != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got)
	}
}
