package grpcserver

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"arclimb/internal/geometry"
	"arclimb/internal/imagestore"
	"arclimb/internal/matcher"
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

func newTestClient(t *testing.T) *Client {
	t.Helper()
	images := imagestore.NewMemStore()
	for _, r := range []string{"a.jpg", "b.jpg", "visitor.jpg"} {
		images.Put(imagestore.Image{Ref: r, Size: frame})
	}
	table := matcher.Table{
		{"a.jpg", "b.jpg"}:       shifted(20, 0),
		{"visitor.jpg", "b.jpg"}: shifted(0, 10),
	}
	svc, err := service.New(context.Background(), service.Deps{Images: images, Matcher: table}, service.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	New(svc, nil).RegisterWithServer(grpcServer)
	go func() { _ = grpcServer.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
	})
	return NewClient(conn)
}

func TestAddConnectQuery(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	a, err := c.Call(ctx, "AddImage", map[string]any{"ref": "a.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Call(ctx, "AddImage", map[string]any{"ref": "b.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if b["edges_added"] != 1.0 {
		t.Fatalf("expected b to connect to a, got %v", b)
	}

	res, err := c.Call(ctx, "Query", map[string]any{"src": a["id"], "x": 100.0, "y": 50.0, "dst": b["id"]})
	if err != nil {
		t.Fatal(err)
	}
	p := res["point"].(map[string]any)
	if math.Abs(p["x"].(float64)-80) > 1e-6 || math.Abs(p["y"].(float64)-50) > 1e-6 {
		t.Fatalf("expected (80,50), got %v", p)
	}
	if res["in_bounds"] != true {
		t.Fatalf("expected in-bounds answer, got %v", res)
	}

	_, err = c.Call(ctx, "Connect", map[string]any{"a": a["id"], "b": b["id"]})
	if status.Code(err) != codes.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}

	stats, err := c.Call(ctx, "Stats", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if stats["nodes"] != 2.0 || stats["edges"] != 1.0 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestConnectWithCorrespondencesOverGRPC(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	a, err := c.Call(ctx, "AddImage", map[string]any{"ref": "a.jpg", "connect": false})
	if err != nil {
		t.Fatal(err)
	}
	v, err := c.Call(ctx, "AddImage", map[string]any{"ref": "visitor.jpg", "connect": false})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(shifted(-5, 30))
	if err != nil {
		t.Fatal(err)
	}
	var corrs []any
	if err := json.Unmarshal(raw, &corrs); err != nil {
		t.Fatal(err)
	}
	d, err := c.Call(ctx, "Connect", map[string]any{"a": a["id"], "b": v["id"], "correspondences": corrs})
	if err != nil {
		t.Fatal(err)
	}
	if d["admitted"] != true {
		t.Fatalf("expected admitted decision, got %v", d)
	}

	res, err := c.Call(ctx, "Query", map[string]any{"src": a["id"], "x": 100.0, "y": 100.0, "dst": v["id"]})
	if err != nil {
		t.Fatal(err)
	}
	p := res["point"].(map[string]any)
	if math.Abs(p["x"].(float64)-105) > 1e-6 || math.Abs(p["y"].(float64)-70) > 1e-6 {
		t.Fatalf("expected (105,70), got %v", p)
	}

	_, err = c.Call(ctx, "Connect", map[string]any{"a": a["id"], "b": v["id"], "correspondences": "all of them"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestLocateOverGRPC(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	if _, err := c.Call(ctx, "AddImage", map[string]any{"ref": "a.jpg"}); err != nil {
		t.Fatal(err)
	}
	b, err := c.Call(ctx, "AddImage", map[string]any{"ref": "b.jpg"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Call(ctx, "Locate", map[string]any{"ref": "visitor.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	node := got["node"].(map[string]any)
	if node["id"] != b["id"] {
		t.Fatalf("expected entry %v, got %v", b["id"], node["id"])
	}

	got, err = c.Call(ctx, "Locate", map[string]any{"ref": "visitor.jpg", "x": 100.0, "y": 100.0, "dst": b["id"]})
	if err != nil {
		t.Fatal(err)
	}
	p := got["result"].(map[string]any)["point"].(map[string]any)
	if math.Abs(p["x"].(float64)-100) > 1e-6 || math.Abs(p["y"].(float64)-90) > 1e-6 {
		t.Fatalf("expected (100,90), got %v", p)
	}
}

func TestStatusCodes(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		method string
		fields map[string]any
		want   codes.Code
	}{
		{"missing ref", "AddImage", map[string]any{}, codes.InvalidArgument},
		{"unknown image", "AddImage", map[string]any{"ref": "nope.jpg"}, codes.NotFound},
		{"unknown node", "Query", map[string]any{"src": "x", "x": 1.0, "y": 1.0, "dst": "y"}, codes.NotFound},
		{"bad point", "Query", map[string]any{"src": "x", "x": "one", "y": 1.0, "dst": "y"}, codes.InvalidArgument},
		{"nan point", "Query", map[string]any{"src": "x", "x": math.NaN(), "y": 1.0, "dst": "y"}, codes.InvalidArgument},
		{"inf point", "Query", map[string]any{"src": "x", "x": 1.0, "y": math.Inf(1), "dst": "y"}, codes.InvalidArgument},
		{"empty graph", "Locate", map[string]any{"ref": "visitor.jpg"}, codes.FailedPrecondition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Call(ctx, tc.method, tc.fields)
			if got := status.Code(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}
