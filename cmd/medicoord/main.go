// Command medicoord runs the care coordination service: workflow engine,
// patient state machines, pausable operations, the coordination bus and
// the service mesh behind one HTTP API.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/agent"
	"github.com/pitabwire/medicoord/internal/bus"
	"github.com/pitabwire/medicoord/internal/config"
	"github.com/pitabwire/medicoord/internal/engine"
	"github.com/pitabwire/medicoord/internal/mesh"
	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/internal/pause"
	"github.com/pitabwire/medicoord/internal/statemachine"
	"github.com/pitabwire/medicoord/internal/transport"
	"github.com/pitabwire/medicoord/model"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "medicoord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing,
		"medicoord", observability.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Operation store.
	var opStore pause.OperationStore
	var opStoreChecker observability.HealthChecker
	switch cfg.Operations.Store.Driver {
	case "redis":
		addr := os.Getenv(cfg.Operations.Store.AddrEnv)
		if addr == "" {
			return fmt.Errorf("operations store: environment variable %s is not set", cfg.Operations.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Operations.Store.DB})
		defer client.Close()
		rs := pause.NewRedisOperationStore(client)
		opStore, opStoreChecker = rs, rs
		logger.Info("operation store ready", zap.String("driver", "redis"))
	default:
		opStore = pause.NewMemoryOperationStore()
		logger.Info("operation store ready", zap.String("driver", "memory"))
	}

	// Transition history archive.
	var machineOpts []statemachine.Option
	machineOpts = append(machineOpts, statemachine.WithMetrics(metrics))
	var archiveChecker observability.HealthChecker
	if cfg.StateMachine.HistoryArchive.Driver == "postgres" {
		dsn := os.Getenv(cfg.StateMachine.HistoryArchive.DSNEnv)
		if dsn == "" {
			return fmt.Errorf("history archive: environment variable %s is not set", cfg.StateMachine.HistoryArchive.DSNEnv)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("history archive: %w", err)
		}
		defer pool.Close()
		archive := statemachine.NewPgHistoryArchive(pool)
		machineOpts = append(machineOpts, statemachine.WithHistoryStore(archive))
		archiveChecker = archive
		logger.Info("history archive ready", zap.String("driver", "postgres"))
	} else {
		machineOpts = append(machineOpts, statemachine.WithHistoryStore(statemachine.NewMemoryHistoryStore()))
	}

	// Core subsystems.
	b := bus.New(cfg.Bus, logger, metrics)
	b.Start(ctx)
	defer b.Stop()

	eng := engine.NewEngine(cfg.Engine, logger, metrics)

	agents := agent.NewRegistry(logger)
	courier := agent.NewCourier(cfg.Agents, b, agents, logger)
	registerCoordinatorAgent(agents, courier, b)

	operations := pause.NewManager(cfg.Operations, logger, metrics,
		pause.WithStore(opStore),
		pause.WithRebinder(agents.OperationRebinder()))

	serviceMesh := mesh.NewMesh(cfg.Mesh, mesh.NewRegistry(), newHTTPDoer(), logger, metrics)

	server := transport.NewServer(transport.Deps{
		Engine:         eng,
		Operations:     operations,
		Bus:            b,
		Logger:         logger,
		Metrics:        metrics,
		Mesh:           serviceMesh,
		MachineOptions: machineOpts,
		Readiness: observability.ReadinessChecks{
			BusRunning:     b.Running,
			OperationStore: opStoreChecker,
			HistoryArchive: archiveChecker,
		},
	})
	registerCareTemplates(server, b, logger)

	httpServer := server.HTTPServer(
		fmt.Sprintf(":%d", cfg.Server.Port),
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// registerCareTemplates installs the built-in workflow templates. Task
// bodies announce progress on the bus so agents can react.
func registerCareTemplates(server *transport.Server, b *bus.Bus, logger *zap.Logger) {
	announce := func(channel, step, patientID string) model.TaskFunc {
		return func(ctx context.Context) (any, error) {
			_, err := b.Publish(ctx, channel, map[string]any{
				"step":       step,
				"patient_id": patientID,
			}, "workflow-engine")
			return step, err
		}
	}

	server.RegisterTemplate("admission", func(patientID string) []*model.Task {
		intake := model.NewTask("intake", "patient intake",
			announce(model.ChannelTriage, "intake", patientID))
		triage := model.NewTask("triage", "triage assessment",
			announce(model.ChannelTriage, "triage", patientID), "intake")
		assessment := model.NewTask("assessment", "initial assessment",
			announce(model.ChannelDiagnosis, "assessment", patientID), "triage")
		return []*model.Task{intake, triage, assessment}
	})

	server.RegisterTemplate("treatment_cycle", func(patientID string) []*model.Task {
		plan := model.NewTask("plan", "treatment planning",
			announce(model.ChannelTreatment, "plan", patientID))
		administer := model.NewTask("administer", "administer treatment",
			announce(model.ChannelTreatment, "administer", patientID), "plan")
		monitor := model.NewTask("monitor", "monitoring",
			announce(model.ChannelTreatment, "monitor", patientID), "administer")
		return []*model.Task{plan, administer, monitor}
	})

	logger.Info("care workflow templates registered", zap.Int("count", 2))
}

// registerCoordinatorAgent installs the always-on coordinator agent so
// other agents have a known peer to query over the courier.
func registerCoordinatorAgent(agents *agent.Registry, courier *agent.Courier, b *bus.Bus) {
	started := time.Now().UTC()
	agents.Register("coordinator")
	agents.Handle("coordinator", "status", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		stats := b.Statistics()
		return map[string]any{
			"uptime_seconds":     int64(time.Since(started).Seconds()),
			"messages_published": stats.Published,
			"active_subscribers": stats.ActiveSubscribers,
		}, nil
	})
	courier.Listen("coordinator")
}

// httpDoer performs mesh transport calls over plain HTTP, propagating the
// active trace context.
type httpDoer struct {
	client *http.Client
}

func newHTTPDoer() *httpDoer {
	return &httpDoer{client: &http.Client{}}
}

func (d *httpDoer) Do(ctx context.Context, ep mesh.Endpoint, req mesh.Request) (*mesh.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, ep.BaseURL()+req.Path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}
	return &mesh.Response{
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}, nil
}
