package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Runner executes scenarios between SDK test clients and servers, with the interceptor in the
// middle writing the capture.
type Runner struct {
	cfg        Config
	catalog    *Catalog
	logger     *slog.Logger
	output     io.Writer
	normalizer *compliance.Normalizer
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// TestResult is the outcome of running one scenario with one client SDK against one server SDK.
type TestResult struct {
	ScenarioID int                  `json:"scenario_id"`
	ClientSDK  string               `json:"client_sdk"`
	ServerSDK  string               `json:"server_sdk"`
	Transport  compliance.Transport `json:"transport"`
	Success    bool                 `json:"success"`
	Error      string               `json:"error,omitempty"`

	Captured   []compliance.AnnotatedMessage `json:"captured_log"`
	Comparison *compliance.ComparisonResult  `json:"comparison_result,omitempty"`
}

type process struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

const loopback = "127.0.0.1"

// WithRunnerLogger sets the logger used for progress and diagnostics.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithOutput sets where the standard output and error of every started process go. Defaults
// to os.Stderr.
func WithOutput(w io.Writer) RunnerOption {
	return func(r *Runner) {
		r.output = w
	}
}

// WithNormalizer sets the Normalizer applied to captures before comparison.
func WithNormalizer(n *compliance.Normalizer) RunnerOption {
	return func(r *Runner) {
		r.normalizer = n
	}
}

// NewRunner returns a Runner for cfg. When cfg.MITM is empty the running executable's mitm
// sub-command is used.
func NewRunner(cfg Config, catalog *Catalog, opts ...RunnerOption) (*Runner, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.MITM) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		cfg.MITM = []string{exe, "mitm"}
	}

	r := &Runner{
		cfg:     cfg,
		catalog: catalog,
		logger:  slog.Default(),
		output:  os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes sc with the client of clientSDK against the server of serverSDK and compares
// the capture with the scenario's golden file. Failures are reported in the result.
func (r *Runner) Run(ctx context.Context, clientSDK, serverSDK string, sc Scenario) TestResult {
	res := TestResult{
		ScenarioID: sc.ID,
		ClientSDK:  clientSDK,
		ServerSDK:  serverSDK,
		Transport:  sc.Transport(r.cfg.HTTPTransport),
	}
	logger := r.logger.With(
		slog.String("run_id", uuid.NewString()),
		slog.Int("scenario", sc.ID),
		slog.String("client_sdk", clientSDK),
		slog.String("server_sdk", serverSDK))

	goldenPath := r.GoldenPath(sc.ID)
	if _, err := os.Stat(goldenPath); err != nil {
		res.Error = fmt.Sprintf("golden file not found: %s", goldenPath)
		return res
	}

	dir, err := os.MkdirTemp("", "mcp-compliance-")
	if err != nil {
		res.Error = fmt.Sprintf("failed to create temp dir: %v", err)
		return res
	}
	defer os.RemoveAll(dir)
	logPath := filepath.Join(dir, strconv.Itoa(sc.ID)+".jsonl")

	logger.Info("running scenario", slog.String("transport", string(res.Transport)))
	if err := r.execute(ctx, logger, clientSDK, serverSDK, sc, logPath); err != nil {
		res.Error = err.Error()
		return res
	}

	actual, err := compliance.ParseCapture(logPath)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	golden, err := compliance.ParseCapture(goldenPath)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	cmp := compliance.CompareCaptures(golden, actual, r.normalizer)
	res.Captured = actual.Messages
	res.Comparison = &cmp
	res.Success = cmp.Match
	if !cmp.Match {
		logger.Warn("capture differs from golden", slog.Int("differences", len(cmp.Differences)))
	}
	return res
}

// Generate executes sc with both the client and the server of sdk and stores the capture as
// the scenario's golden file.
func (r *Runner) Generate(ctx context.Context, sdk string, sc Scenario) error {
	if err := os.MkdirAll(r.cfg.Goldens, 0o755); err != nil {
		return fmt.Errorf("failed to create goldens directory: %w", err)
	}
	logger := r.logger.With(slog.Int("scenario", sc.ID), slog.String("sdk", sdk))

	goldenPath := r.GoldenPath(sc.ID)
	logger.Info("generating golden", slog.String("path", goldenPath))
	if err := r.execute(ctx, logger, sdk, sdk, sc, goldenPath); err != nil {
		return fmt.Errorf("scenario %d: %w", sc.ID, err)
	}
	if _, err := compliance.ParseCapture(goldenPath); err != nil {
		return fmt.Errorf("scenario %d produced an invalid capture: %w", sc.ID, err)
	}
	return nil
}

// GenerateAll generates the goldens of the scenarios with the given ids, or of every scenario
// when ids is empty, using sdk on both ends.
func (r *Runner) GenerateAll(ctx context.Context, sdk string, ids []int) error {
	scenarios, err := r.Select(ids)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallel)
	for _, sc := range scenarios {
		g.Go(func() error {
			return r.Generate(gctx, sdk, sc)
		})
	}
	return g.Wait()
}

// RunMatrix runs the selected scenarios for every client and server pairing of sdks. Results
// are ordered by client SDK, then server SDK, then scenario.
func (r *Runner) RunMatrix(ctx context.Context, sdks []string, ids []int) ([]TestResult, error) {
	scenarios, err := r.Select(ids)
	if err != nil {
		return nil, err
	}
	for _, sdk := range sdks {
		if _, ok := r.cfg.SDKs[sdk]; !ok {
			return nil, fmt.Errorf("unknown SDK %q", sdk)
		}
	}

	type job struct {
		client, server string
		scenario       Scenario
	}
	var jobs []job
	for _, client := range sdks {
		for _, server := range sdks {
			for _, sc := range scenarios {
				jobs = append(jobs, job{client: client, server: server, scenario: sc})
			}
		}
	}

	results := make([]TestResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallel)
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = r.Run(gctx, j.client, j.server, j.scenario)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Select returns the scenarios with the given ids, in catalog order, or every scenario when ids
// is empty.
func (r *Runner) Select(ids []int) ([]Scenario, error) {
	if len(ids) == 0 {
		return r.catalog.Scenarios, nil
	}
	for _, id := range ids {
		if _, ok := r.catalog.Lookup(id); !ok {
			return nil, fmt.Errorf("scenario with ID %d not found", id)
		}
	}
	var selected []Scenario
	for _, sc := range r.catalog.Scenarios {
		if slices.Contains(ids, sc.ID) {
			selected = append(selected, sc)
		}
	}
	return selected, nil
}

// GoldenPath returns the path of the golden capture of scenario id.
func (r *Runner) GoldenPath(id int) string {
	return filepath.Join(r.cfg.Goldens, strconv.Itoa(id)+".jsonl")
}

func (r *Runner) execute(ctx context.Context, logger *slog.Logger, clientSDK, serverSDK string, sc Scenario, logPath string) error {
	client, ok := r.cfg.SDKs[clientSDK]
	if !ok {
		return fmt.Errorf("unknown SDK %q", clientSDK)
	}
	server, ok := r.cfg.SDKs[serverSDK]
	if !ok {
		return fmt.Errorf("unknown SDK %q", serverSDK)
	}

	transport := sc.Transport(r.cfg.HTTPTransport)
	if transport == compliance.TransportStdio {
		return r.runStdio(ctx, client, server, sc, logPath)
	}
	return r.runHTTP(ctx, logger, transport, client, server, sc, logPath)
}

// runStdio runs the client, which spawns the interceptor, which in turn spawns the server.
func (r *Runner) runStdio(ctx context.Context, client, server SDK, sc Scenario, logPath string) error {
	args := slices.Concat(
		r.clientArgs(client, sc),
		[]string{string(compliance.TransportStdio), "--"},
		r.mitmArgs(compliance.TransportStdio, sc, logPath),
		[]string{"--"},
		server.Server,
		[]string{"--server-name", sc.ServerName, "--transport", string(compliance.TransportStdio)},
	)
	return r.runCommand(ctx, args)
}

// runHTTP starts the server and the interceptor in front of it, waits for both to accept
// connections and runs the client against the interceptor.
func (r *Runner) runHTTP(ctx context.Context, logger *slog.Logger, transport compliance.Transport, client, server SDK, sc Scenario, logPath string) error {
	serverPort, err := freePort()
	if err != nil {
		return err
	}
	mitmPort, err := freePort()
	if err != nil {
		return err
	}
	serverAddr := net.JoinHostPort(loopback, strconv.Itoa(serverPort))
	mitmAddr := net.JoinHostPort(loopback, strconv.Itoa(mitmPort))

	srv, err := r.start("server", slices.Concat(server.Server, []string{
		"--server-name", sc.ServerName,
		"--transport", string(transport),
		"--host", loopback,
		"--port", strconv.Itoa(serverPort),
	}))
	if err != nil {
		return err
	}
	defer r.stop(logger, srv)
	if err := r.waitReady(ctx, srv, serverAddr); err != nil {
		return err
	}

	mitm, err := r.start("mitm", slices.Concat(
		r.mitmArgs(transport, sc, logPath, "--port", strconv.Itoa(mitmPort)),
		[]string{"--", "http://" + serverAddr},
	))
	if err != nil {
		return err
	}
	defer r.stop(logger, mitm)
	if err := r.waitReady(ctx, mitm, mitmAddr); err != nil {
		return err
	}

	return r.runCommand(ctx, slices.Concat(r.clientArgs(client, sc), []string{string(transport), "http://" + mitmAddr}))
}

func (r *Runner) clientArgs(client SDK, sc Scenario) []string {
	return slices.Concat(client.Client, []string{
		"--scenario-id", strconv.Itoa(sc.ID),
		"--id", sc.ClientIDs[0],
	})
}

func (r *Runner) mitmArgs(transport compliance.Transport, sc Scenario, logPath string, extra ...string) []string {
	return slices.Concat(r.cfg.MITM, []string{
		string(transport),
		"--log", logPath,
		"--scenario-id", strconv.Itoa(sc.ID),
		"--scenarios", r.cfg.Catalog,
		"--client-id", sc.ClientIDs[0],
		"--server-id", sc.ServerName,
	}, extra)
}

func (r *Runner) runCommand(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = r.output
	cmd.Stderr = r.output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

func (r *Runner) start(name string, args []string) (*process, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = r.output
	cmd.Stderr = r.output
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &process{name: name, cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = cmd.Wait()
	}()
	return p, nil
}

// stop interrupts p so that it can flush what it holds, and kills it with everything it
// spawned if it does not exit in time.
func (r *Runner) stop(logger *slog.Logger, p *process) {
	select {
	case <-p.done:
		return
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		logger.Debug("failed to interrupt process", slog.String("process", p.name), "err", err)
	}
	select {
	case <-p.done:
		return
	case <-time.After(r.cfg.StopTimeout):
	}

	if err := compliance.KillProcessTree(p.cmd.Process.Pid); err != nil {
		logger.Warn("failed to kill process", slog.String("process", p.name), "err", err)
	}
	<-p.done
}

// waitReady polls addr until it accepts connections, p exits, or the startup timeout elapses.
func (r *Runner) waitReady(ctx context.Context, p *process, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StartupTimeout)
	defer cancel()

	var d net.Dialer
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-p.done:
			return fmt.Errorf("%s exited before accepting connections: %w", p.name, errors.Join(p.err, err))
		case <-ctx.Done():
			return fmt.Errorf("%s not ready on %s: %w", p.name, addr, err)
		case <-ticker.C:
		}
	}
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(loopback, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
