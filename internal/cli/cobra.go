package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"arclimb/internal/geometry"
	"arclimb/internal/graph"
	"arclimb/internal/pipeline"
	"arclimb/internal/query"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	var asJSON bool

	rootCmd := &cobra.Command{
		Use:   "arclimb",
		Short: "arclimb maps points between overlapping photos of a climbing wall",
		Long: `arclimb builds a graph of photos of the same wall, linked by fitted
homographies, and maps points from any photo into any other photo through it.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")

	out := func(cmd *cobra.Command) *printer {
		return &printer{w: cmd.OutOrStdout(), json: asJSON}
	}

	rootCmd.AddCommand(newAddCmd(root, out))
	rootCmd.AddCommand(newScanCmd(root, out))
	rootCmd.AddCommand(newConnectCmd(root, out))
	rootCmd.AddCommand(newConnectAllCmd(root, out))
	rootCmd.AddCommand(newQueryCmd(root, out))
	rootCmd.AddCommand(newLocateCmd(root, out))
	rootCmd.AddCommand(newNodesCmd(root, out))
	rootCmd.AddCommand(newEdgesCmd(root, out))
	rootCmd.AddCommand(newStatsCmd(root, out))
	rootCmd.AddCommand(newJobsCmd(root, out))
	rootCmd.AddCommand(newMetaCmd(root, out))
	rootCmd.AddCommand(newRemoveNodeCmd(root))
	rootCmd.AddCommand(newRemoveEdgeCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newImportCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

type printer struct {
	w    io.Writer
	json bool
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// resolveNode accepts a node ID or the reference of an admitted image.
func (r *Root) resolveNode(arg string) (graph.NodeID, error) {
	id := graph.NodeID(arg)
	if r.svc.Snapshot().HasNode(id) {
		return id, nil
	}
	if n, ok := r.svc.FindByRef(r.refOf(arg)); ok {
		return n.ID, nil
	}
	if n, ok := r.svc.FindByRef(arg); ok {
		return n.ID, nil
	}
	return "", fmt.Errorf("%w: %s", graph.ErrUnknownNode, arg)
}

func (r *Root) admitJob(cmd *cobra.Command, out *printer, job pipeline.Job) error {
	res, err := r.enqueueAndWait(cmd.Context(), job)
	if out.json {
		if encErr := out.encode(res); encErr != nil {
			return encErr
		}
		return err
	}
	admitted, _ := res.Meta["admitted"].([]string)
	out.printf("Admitted %d image(s), %v edge(s) added, %v already present\n",
		len(admitted), res.Meta["edges_added"], res.Meta["skipped"])
	for _, id := range admitted {
		out.printf("  %s\n", id)
	}
	return err
}

func newAddCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	var noConnect bool
	cmd := &cobra.Command{
		Use:   "add <image>...",
		Short: "Admit images and connect them to the graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]string, len(args))
			for i, a := range args {
				refs[i] = root.refOf(a)
			}
			return root.admitJob(cmd, out(cmd), pipeline.Job{
				Type:    pipeline.JobAdmit,
				Refs:    refs,
				Options: map[string]any{"connect": !noConnect, "source": "cli"},
			})
		},
	}
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "admit without trying to connect")
	return cmd
}

func newScanCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	var noConnect bool
	cmd := &cobra.Command{
		Use:   "scan <directory>",
		Short: "Admit every image under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.admitJob(cmd, out(cmd), pipeline.Job{
				Type:    pipeline.JobScan,
				Dir:     args[0],
				Options: map[string]any{"connect": !noConnect, "source": "cli"},
			})
		},
	}
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "admit without trying to connect")
	return cmd
}

func newConnectCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	var corrFile string
	cmd := &cobra.Command{
		Use:   "connect <a> <b> [--correspondences file.json]",
		Short: "Fit a transform between two images and add the edge if it is good enough",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.resolveNode(args[0])
			if err != nil {
				return err
			}
			b, err := root.resolveNode(args[1])
			if err != nil {
				return err
			}
			p := out(cmd)
			if corrFile != "" {
				corrs, err := readCorrespondences(corrFile)
				if err != nil {
					return err
				}
				d, err := root.svc.ConnectWith(cmd.Context(), a, b, corrs)
				if err != nil {
					return err
				}
				if p.json {
					return p.encode(d)
				}
				if d.Admitted {
					p.printf("Edge added %s--%s confidence %.3f\n", a, b, d.Confidence)
				} else {
					p.printf("Not connected: %v (confidence %.3f)\n", d.Reason, d.Confidence)
				}
				return nil
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:  pipeline.JobConnect,
				Nodes: []string{string(a), string(b)},
			})
			if err != nil {
				return err
			}
			if p.json {
				return p.encode(res.Meta)
			}
			if res.Meta["edge_added"] == true {
				p.printf("Edge added %s--%s confidence %.3f\n", a, b, res.Meta["confidence"])
			} else {
				p.printf("Not connected: %v (confidence %.3f)\n", res.Meta["reason"], res.Meta["confidence"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&corrFile, "correspondences", "", "JSON array of {src, dst} point pairs to fit instead of matching")
	return cmd
}

// readCorrespondences loads a JSON array of correspondences; src points lie
// in the first image.
func readCorrespondences(path string) ([]geometry.Correspondence, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var corrs []geometry.Correspondence
	if err := json.Unmarshal(raw, &corrs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(corrs) == 0 {
		return nil, fmt.Errorf("%s: no correspondences", path)
	}
	return corrs, nil
}

func newConnectAllCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "connect-all <node>",
		Short: "Try to connect a node with every node it has no edge to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.resolveNode(args[0])
			if err != nil {
				return err
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:  pipeline.JobConnectAll,
				Nodes: []string{string(id)},
			})
			if err != nil {
				return err
			}
			p := out(cmd)
			if p.json {
				return p.encode(res.Meta)
			}
			p.printf("Evaluated %v pair(s), %v edge(s) added\n", res.Meta["evaluated"], res.Meta["edges_added"])
			return nil
		},
	}
}

func parsePoint(xs, ys string) (geometry.Point, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return geometry.Point{}, fmt.Errorf("invalid x %q: %w", xs, err)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return geometry.Point{}, fmt.Errorf("invalid y %q: %w", ys, err)
	}
	p := geometry.Point{X: x, Y: y}
	if !p.IsFinite() {
		return geometry.Point{}, fmt.Errorf("%w: (%s, %s)", geometry.ErrInvalidPoint, xs, ys)
	}
	return p, nil
}

func printResult(p *printer, res query.Result) {
	where := "inside"
	if !res.InBounds {
		where = "outside"
	}
	p.printf("(%.2f, %.2f) %s the target frame, confidence %.3f\n", res.Point.X, res.Point.Y, where, res.Confidence)
	path := make([]string, len(res.Path))
	for i, id := range res.Path {
		path[i] = string(id)
	}
	p.printf("path: %s\n", strings.Join(path, " -> "))
	if res.OutOfBoundsHops > 0 {
		p.printf("left the frame at %d intermediate image(s)\n", res.OutOfBoundsHops)
	}
}

func newQueryCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "query <src> <x> <y> <dst>",
		Short: "Map a pixel of one image into another",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := root.resolveNode(args[0])
			if err != nil {
				return err
			}
			dst, err := root.resolveNode(args[3])
			if err != nil {
				return err
			}
			pt, err := parsePoint(args[1], args[2])
			if err != nil {
				return err
			}
			p := out(cmd)
			if explain {
				candidates, err := root.svc.Explain(cmd.Context(), src, pt, dst)
				if err != nil {
					return err
				}
				if p.json {
					return p.encode(candidates)
				}
				for i, c := range candidates {
					p.printf("#%d ", i+1)
					printResult(p, c)
				}
				return nil
			}
			res, err := root.svc.Query(cmd.Context(), src, pt, dst)
			if err != nil {
				return err
			}
			if p.json {
				return p.encode(res)
			}
			printResult(p, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "list every candidate path, best first")
	return cmd
}

func newLocateCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	var withQuery bool
	cmd := &cobra.Command{
		Use:   "locate <image> [--query <x> <y> <dst>]",
		Short: "Find where an image outside the graph enters it",
		Args: func(cmd *cobra.Command, args []string) error {
			if withQuery {
				return cobra.ExactArgs(4)(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := root.refOf(args[0])
			p := out(cmd)
			if withQuery {
				pt, err := parsePoint(args[1], args[2])
				if err != nil {
					return err
				}
				dst, err := root.resolveNode(args[3])
				if err != nil {
					return err
				}
				iq, err := root.svc.QueryFromImage(cmd.Context(), ref, pt, dst)
				if err != nil {
					return err
				}
				if p.json {
					return p.encode(iq)
				}
				p.printf("Entry %s (%s), score %.2f from %d correspondence(s)\n",
					iq.Entry.Node.ID, iq.Entry.Node.Ref, iq.Entry.Score, iq.Entry.Count())
				printResult(p, iq.Result)
				return nil
			}
			m, err := root.svc.Locate(cmd.Context(), ref)
			if err != nil {
				return err
			}
			if p.json {
				return p.encode(map[string]any{"node": m.Node, "score": m.Score, "correspondences": m.Count()})
			}
			p.printf("Entry %s (%s), score %.2f from %d correspondence(s)\n", m.Node.ID, m.Node.Ref, m.Score, m.Count())
			return nil
		},
	}
	cmd.Flags().BoolVar(&withQuery, "query", false, "also map <x> <y> into <dst> through the entry node")
	return cmd
}

func newNodesCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List admitted images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g := root.svc.Snapshot()
			nodes := g.Nodes()
			p := out(cmd)
			if p.json {
				if nodes == nil {
					nodes = []graph.ImageNode{}
				}
				return p.encode(nodes)
			}
			tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tREF\tSIZE\tEDGES")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%d\n", n.ID, n.Ref, n.Size.Width, n.Size.Height, g.Degree(n.ID))
			}
			return tw.Flush()
		},
	}
}

func newEdgesCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "edges",
		Short: "List edges and their confidences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			edges := root.svc.Snapshot().Edges()
			p := out(cmd)
			if p.json {
				if edges == nil {
					edges = []*graph.Edge{}
				}
				return p.encode(edges)
			}
			tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "A\tB\tCONFIDENCE\tINLIERS")
			for _, e := range edges {
				fmt.Fprintf(tw, "%s\t%s\t%.3f\t%d\n", e.A, e.B, e.Confidence, e.Transform.Stats.Inliers)
			}
			return tw.Flush()
		},
	}
}

func newStatsCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show graph size and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := root.svc.Stats()
			p := out(cmd)
			if p.json {
				return p.encode(st)
			}
			p.printf("Nodes: %d\nEdges: %d\nComponents: %d\nLargest component: %d\nIsolated: %d\nVersion: %d\n",
				st.Nodes, st.Edges, st.Components, st.LargestCluster, st.Isolated, st.Version)
			return nil
		},
	}
}

func newJobsCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent construction jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.svc.Jobs(limit)
			if err != nil {
				return err
			}
			p := out(cmd)
			if p.json {
				return p.encode(recs)
			}
			tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tERROR")
			for _, j := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.JobType, j.Status, j.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to show")
	return cmd
}

func newMetaCmd(root *Root, out func(*cobra.Command) *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "meta <node> [key=value...]",
		Short: "Replace a node's metadata; with no pairs it is cleared",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.resolveNode(args[0])
			if err != nil {
				return err
			}
			meta := make(map[string]string, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("metadata must be key=value, got %q", kv)
				}
				meta[k] = v
			}
			if err := root.svc.SetMeta(cmd.Context(), id, meta); err != nil {
				return err
			}
			n, _ := root.svc.Snapshot().Node(id)
			p := out(cmd)
			if p.json {
				return p.encode(n)
			}
			p.printf("Updated %s: %d key(s)\n", id, len(n.Meta))
			return nil
		},
	}
}

func newRemoveNodeCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-node <node>",
		Short: "Remove a node and its edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.resolveNode(args[0])
			if err != nil {
				return err
			}
			if err := root.svc.RemoveNode(cmd.Context(), id); err != nil {
				return err
			}
			cmd.Printf("Removed %s\n", id)
			return nil
		},
	}
}

func newRemoveEdgeCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-edge <a> <b>",
		Short: "Remove the edge between two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.resolveNode(args[0])
			if err != nil {
				return err
			}
			b, err := root.resolveNode(args[1])
			if err != nil {
				return err
			}
			if err := root.svc.RemoveEdge(cmd.Context(), a, b); err != nil {
				return err
			}
			cmd.Printf("Removed %s--%s\n", a, b)
			return nil
		},
	}
}

func newExportCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file|->",
		Short: "Write the graph as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "-" {
				return root.svc.Export(cmd.OutOrStdout())
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := root.svc.Export(f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
}

func newImportCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace the graph with a JSON export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			g, err := root.svc.Import(cmd.Context(), in)
			if err != nil {
				return err
			}
			cmd.Printf("Imported %d node(s), %d edge(s)\n", g.NodeCount(), g.EdgeCount())
			return nil
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr        string
		grpcAddr    string
		watchPaths  []string
		noAutoLinks bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC APIs",
		Long: `Start the HTTP API (queries, construction, job stream, metrics) and the
gRPC API. Directories given with --watch are monitored and new images are
admitted automatically.

Examples:
  arclimb serve --addr :8080
  arclimb serve --addr :8080 --watch /data/walls/north`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				root.cfg.Server.HTTPAddr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				root.cfg.Server.GRPCAddr = grpcAddr
			}
			if len(watchPaths) > 0 {
				root.cfg.Server.WatchPaths = watchPaths
			}
			if noAutoLinks {
				root.cfg.Server.AutoConnect = false
			}
			root.log.Info("starting server",
				"addr", root.cfg.Server.HTTPAddr,
				"grpc_addr", root.cfg.Server.GRPCAddr,
				"watch_paths", root.cfg.Server.WatchPaths,
			)
			return root.serveFn(cmd.Context(), root)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address, empty to disable")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directory to watch for new images (repeatable)")
	cmd.Flags().BoolVar(&noAutoLinks, "no-auto-connect", false, "admit watched images without connecting them")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("arclimb %s\n", Version)
		},
	}
}
