package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sshtrace/internal/capture"
	"sshtrace/internal/config"
	"sshtrace/internal/conntype"
	"sshtrace/internal/flow"
	"sshtrace/internal/logging"
	"sshtrace/internal/metrics"
	"sshtrace/internal/models"
	"sshtrace/internal/parser"
	"sshtrace/internal/report"
	"sshtrace/internal/rtt"
	"sshtrace/internal/steppingstone"
)

// ErrBusy is returned when an analysis is already running.
var ErrBusy = errors.New("analysis already running")

// Client represents a connected WebSocket client that receives results.
type Client interface {
	SendMessage(msg models.WSMessage) error
}

// Result is the outcome of analysing one capture file.
type Result struct {
	Stats       models.AnalysisStats
	Connections []*models.Connection
	Reports     []report.ConnectionReport
	Stones      *steppingstone.Report
}

// Engine runs the analysis pipeline and broadcasts results to clients.
type Engine struct {
	mu         sync.Mutex
	clients    map[Client]bool
	running    bool
	last       report.Batch
	classifier *conntype.Classifier
	detector   *steppingstone.Detector
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	workers    int
	ports      []uint16
	logger     logging.Logger
}

// New creates a new Engine.
func New(cfg *config.Config, m *metrics.Metrics, logger logging.Logger) *Engine {
	limit := rate.Limit(cfg.Engine.BroadcastRate)
	if cfg.Engine.BroadcastRate <= 0 {
		limit = rate.Inf
	}
	workers := cfg.Engine.Workers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		clients:    make(map[Client]bool),
		last:       report.Batch{Connections: []report.ConnectionReport{}, SteppingStones: []uint64{}},
		classifier: conntype.New(cfg.Analysis.ConnectionType, logger),
		detector:   steppingstone.New(cfg.Analysis.SteppingStone, logger),
		metrics:    m,
		limiter:    rate.NewLimiter(limit, max(cfg.Engine.BroadcastBurst, 1)),
		workers:    workers,
		ports:      cfg.Capture.Ports,
		logger:     logger.With("component", "engine"),
	}
}

// RegisterClient adds a client to receive broadcasts.
func (e *Engine) RegisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[c] = true
}

// UnregisterClient removes a client.
func (e *Engine) UnregisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, c)
}

// Analyze reads a capture file and analyses every connection in it.
func (e *Engine) Analyze(ctx context.Context, path string) (*Result, error) {
	start := time.Now()
	reader, err := capture.NewPcapReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	table := flow.NewTable(e.ports, e.logger)
	st, err := reader.Load(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	conns := table.Connections()
	e.logger.Info("Capture loaded", "file", path, "packets", st.Packets, "segments", st.Segments, "connections", len(conns))

	reports, stones, err := e.AnalyzeAll(ctx, conns)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Stats: models.AnalysisStats{
			File:           path,
			Packets:        st.Packets,
			Segments:       st.Segments,
			Connections:    len(conns),
			SteppingStones: len(stones.SteppingStones()),
			Elapsed:        time.Since(start).Seconds(),
		},
		Connections: conns,
		Reports:     reports,
		Stones:      stones,
	}
	for _, r := range reports {
		if r.Error != "" {
			res.Stats.Failures++
		}
	}
	return res, nil
}

// AnalyzeAll runs RTT estimation, classification and stepping-stone detection
// on every connection, using at most Workers goroutines. Reports keep the
// order of conns. A connection whose analysis fails gets a report carrying
// the error and is left out of the stepping-stone report.
func (e *Engine) AnalyzeAll(ctx context.Context, conns []*models.Connection) ([]report.ConnectionReport, *steppingstone.Report, error) {
	reports := make([]report.ConnectionReport, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, conn := range conns {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports[i] = e.analyze(conn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("analyse connections: %w", err)
	}

	stones := steppingstone.NewReport()
	for _, r := range reports {
		if r.Error == "" {
			stones.Add(r.ID, r.SteppingStone)
		}
	}
	return reports, stones, nil
}

func (e *Engine) analyze(conn *models.Connection) (rep report.ConnectionReport) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("analysis panicked: %v", r)
			e.logger.Error("Connection analysis failed", "connection", conn.ID, "error", err)
			e.metrics.ObserveFailure()
			rep = report.Failed(conn, err)
		}
	}()

	stats := rtt.Estimate(conn)
	e.metrics.ObserveRTT(stats)
	e.logger.Debug("RTT estimated", "connection", conn.ID, "matched", stats.Matched, "unset", stats.Unset)

	ct := e.classifier.Classify(conn)
	conn.SetConnectionType(ct.Type)

	v := e.detector.Detect(conn)
	conn.SetSteppingStone(v.SteppingStone)

	e.metrics.ObserveConnection(ct.Type, v, time.Since(start))
	rep = report.Build(conn, ct, v)
	if ver, ok := parser.ParseSSHVersion(conn.ClientProtocol); ok {
		rep.ClientSoftware = ver.Software
	}
	if ver, ok := parser.ParseSSHVersion(conn.ServerProtocol); ok {
		rep.ServerSoftware = ver.Software
	}
	return rep
}

// LoadPcapFile analyses a capture file and streams the reports to all
// clients, one "connection" message each, followed by the "report" summary.
func (e *Engine) LoadPcapFile(ctx context.Context, path, name string) (models.AnalysisStats, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return models.AnalysisStats{}, ErrBusy
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.broadcastJSON(models.MsgAnalysisStarted, models.AnalysisStarted{File: name})

	res, err := e.Analyze(ctx, path)
	if err != nil {
		return models.AnalysisStats{}, err
	}
	res.Stats.File = name

	for _, r := range res.Reports {
		if err := e.limiter.Wait(ctx); err != nil {
			return res.Stats, fmt.Errorf("broadcast reports: %w", err)
		}
		e.broadcastJSON(models.MsgConnection, r)
	}

	batch := report.Batch{Connections: res.Reports, SteppingStones: res.Stones.SteppingStones()}
	if batch.SteppingStones == nil {
		batch.SteppingStones = []uint64{}
	}
	e.mu.Lock()
	e.last = batch
	e.mu.Unlock()

	e.broadcastJSON(models.MsgReport, struct {
		Stats  models.AnalysisStats `json:"stats"`
		Report string               `json:"report"`
	}{res.Stats, res.Stones.String()})
	return res.Stats, nil
}

// Reports returns the results of the latest completed analysis.
func (e *Engine) Reports() report.Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Reset drops the stored results and tells every client.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.last = report.Batch{Connections: []report.ConnectionReport{}, SteppingStones: []uint64{}}
	e.mu.Unlock()
	e.broadcast(models.WSMessage{Type: models.MsgReset})
}

func (e *Engine) broadcastJSON(msgType string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("Failed to encode message", "type", msgType, "error", err)
		return
	}
	e.broadcast(models.WSMessage{Type: msgType, Payload: payload})
}

func (e *Engine) broadcast(msg models.WSMessage) {
	e.mu.Lock()
	clients := make([]Client, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.Unlock()

	for _, c := range clients {
		if err := c.SendMessage(msg); err != nil {
			e.logger.Warn("Failed to send message", "type", msg.Type, "error", err)
		}
	}
}
