// Command geovector loads location telemetry from a relational table into a
// Qdrant collection and serves radius queries over it for the map page.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/geotrack/geovector/engine/domain"
	"github.com/geotrack/geovector/engine/ingest"
	"github.com/geotrack/geovector/pkg/config"
	"github.com/geotrack/geovector/pkg/natsutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "geovector",
		Short:        "Load location telemetry into Qdrant and serve radius queries",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (GEOVECTOR_* env vars override it)")

	load := func() (*app, error) { return newApp(configPath, os.Stdout) }
	root.AddCommand(
		newIngestCmd(load),
		newQueryCmd(load),
		newServeCmd(load),
		newWorkerCmd(load),
	)
	return root
}

func newIngestCmd(load func() (*app, error)) *cobra.Command {
	var (
		limit   int
		force   bool
		remote  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch the newest rows, build geo points and load them into the collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			req := ingest.RunRequest{Limit: limit, ForceLoad: force}
			if remote {
				return a.ingestRemote(cmd.Context(), cmd.OutOrStdout(), req, a.remoteTimeout(timeout))
			}
			return a.ingestLocal(cmd.Context(), cmd.OutOrStdout(), req)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to read (default from ingest.limit)")
	cmd.Flags().BoolVar(&force, "force", false, "load even when the collection already exists")
	cmd.Flags().BoolVar(&remote, "remote", false, "ask a running worker over NATS instead of running here")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long --remote waits for the worker (default from ingest.remote_timeout)")
	return cmd
}

func newQueryCmd(load func() (*app, error)) *cobra.Command {
	var lat, lon, radius float64
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print the positions within a radius as the map JSON envelope",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			q := a.cfg.Query
			if cmd.Flags().Changed("lat") {
				q.Center.Lat = lat
			}
			if cmd.Flags().Changed("lon") {
				q.Center.Lon = lon
			}
			if cmd.Flags().Changed("radius") {
				q.Radius = radius
			}
			return a.query(cmd.Context(), cmd.OutOrStdout(), q)
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "center latitude (default from query.center.lat)")
	cmd.Flags().Float64Var(&lon, "lon", 0, "center longitude (default from query.center.lon)")
	cmd.Flags().Float64Var(&radius, "radius", 0, "radius in meters (default from query.radius)")
	return cmd
}

func newServeCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve GET /locations, health, metrics and the map page",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}
}

func newWorkerCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run ingestion whenever a request arrives on " + ingest.RunSubject,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			return a.worker(cmd.Context())
		},
	}
}

func (a *app) ingestLocal(ctx context.Context, out io.Writer, req ingest.RunRequest) error {
	p, closeFn, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	ev := p.Handle(ctx, req)
	if a.cfg.NATS.Enabled {
		a.announce(ctx, ev)
	}
	if err := printJSON(out, ev.Summary); err != nil {
		return err
	}
	if !ev.OK() {
		return fmt.Errorf("ingest: %s", ev.Error)
	}
	return nil
}

// remoteTimeout is the --timeout flag when set, else ingest.remote_timeout.
func (a *app) remoteTimeout(flag time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return a.cfg.Ingest.RemoteTimeout
}

func (a *app) ingestRemote(ctx context.Context, out io.Writer, req ingest.RunRequest, timeout time.Duration) error {
	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("geovector-cli"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ev, err := natsutil.Request[ingest.RunRequest, ingest.RunEvent](ctx, nc, ingest.RunSubject, req)
	if err != nil {
		return fmt.Errorf("ingest: remote run: %w", err)
	}
	if err := printJSON(out, ev); err != nil {
		return err
	}
	if !ev.OK() {
		return fmt.Errorf("ingest: worker reported %s: %s", ev.Kind, ev.Error)
	}
	return nil
}

// announce publishes a locally run outcome so serving processes drop their
// cached views.
func (a *app) announce(ctx context.Context, ev ingest.RunEvent) {
	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("geovector-cli"))
	if err != nil {
		a.log.Warn("ingest: done event not published", "error", err)
		return
	}
	defer nc.Close()
	if err := natsutil.Publish(ctx, nc, ingest.DoneSubject, ev); err != nil {
		a.log.Warn("ingest: done event not published", "error", err)
		return
	}
	if err := nc.Flush(); err != nil {
		a.log.Warn("ingest: flush done event", "error", err)
	}
}

func (a *app) query(ctx context.Context, out io.Writer, q config.QueryConfig) error {
	vs, err := a.vectorStore()
	if err != nil {
		return err
	}
	defer vs.Close()

	center := domain.Coordinate{Latitude: float32(q.Center.Lat), Longitude: float32(q.Center.Lon)}
	view, err := a.locator(vs).Nearby(ctx, center, q.Radius)
	if err != nil {
		return err
	}
	return printJSON(out, view)
}

func (a *app) worker(ctx context.Context) error {
	p, closeFn, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("geovector-worker"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	sub, err := ingest.StartConsumer(nc, p, a.log)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ingest.RunSubject, err)
	}
	defer sub.Unsubscribe()

	a.log.Info("worker: waiting for run requests", "subject", ingest.RunSubject, "nats", a.cfg.NATS.URL)
	<-ctx.Done()
	a.log.Info("worker: shutting down")
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
