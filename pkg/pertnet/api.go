package pertnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pertnet/internal/dataset"
	"pertnet/internal/model"
	"pertnet/internal/pert"
	"pertnet/internal/stats"
	"pertnet/internal/storage"
	"pertnet/internal/tensor"
	"pertnet/internal/train"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "pertnet.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
}

type Client struct {
	store storage.Store

	runsDir     string
	exportsDir  string
	initialized bool
}

// FitRequest describes one fitting run. Zero values select documented
// defaults; NX is inferred from the dataset when unset.
type FitRequest struct {
	PertPath    string
	RespPath    string
	DatasetName string
	Synthetic   bool
	Samples     int
	MaxTargets  int

	TrainEnd    int
	MonitorEnd  int
	TrainFrac   float64
	MonitorFrac float64
	Shuffle     bool
	Batch       int
	Sparse      bool

	RunID          string
	Model          string
	NX             int
	NProteinNodes  int
	NActivityNodes int
	PertForm       string
	Envelope       int
	EnvelopeForm   string
	ODESolver      string
	DT             float64
	NT             int
	ODELastSteps   int
	NHidden        int

	WeightLoss string
	Gradient   string
	Optimizer  string
	L1Lambda   float64
	L2Lambda   float64
	LR         float64
	Iters      int
	Substages  []train.Substage
	Buffer     int
	Patience   int
	Seed       int64

	EnsembleRuns  int
	EnsembleNotes string
}

type EnsembleFitSummary struct {
	EnsembleID string
	Runs       int
	EvalMean   float64
	EvalStd    float64
	EvalMin    float64
	EvalMax    float64
	BestRunID  string
}

type FitSummary struct {
	RunID        string
	ArtifactsDir string
	Iterations   int
	StopReason   string
	TrainLoss    float64
	MonitorLoss  float64
	EvalLoss     float64
	BestMonitor  float64
	Report       string
	Ensemble     *EnsembleFitSummary
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Model        string
	Dataset      string
	Samples      int
	Nodes        int
	Iterations   int
	StopReason   string
	TrainLoss    float64
	MonitorLoss  float64
	EvalLoss     float64
}

type LossHistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type PredictRequest struct {
	RunID   string
	Latest  bool
	Pert    [][]float64
	Batch   int
	Workers int
}

type PredictSummary struct {
	RunID string
	Yhat  [][]float64
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.ensureInit(ctx)
}

func (c *Client) ensureInit(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Fit loads (or generates) a dataset, fits the configured model through the
// substage schedule and persists the run record, the fitted parameters, the
// loss history and the on-disk artifacts. With EnsembleRuns > 1 the same
// request is fitted once per consecutive seed and the ensemble aggregates are
// written next to the runs; the returned summary is the best member's.
func (c *Client) Fit(ctx context.Context, req FitRequest) (FitSummary, error) {
	if req.Model == "" {
		req.Model = pert.ModelCellBox
	}
	if req.Seed == 0 {
		req.Seed = 1
	}
	if req.Synthetic {
		if req.Samples <= 0 {
			req.Samples = 100
		}
		if req.NX == 0 {
			req.NX = 8
		}
		if req.NProteinNodes == 0 && req.NActivityNodes == 0 {
			req.NProteinNodes = req.NX
			req.NActivityNodes = req.NX
		}
	}
	if req.Model == pert.ModelCellBox {
		if req.DT == 0 {
			req.DT = 0.1
		}
		if req.NT == 0 {
			req.NT = 200
		}
		if req.ODELastSteps == 0 {
			req.ODELastSteps = 2
		}
	}
	if req.Model == pert.ModelNN && req.NHidden == 0 {
		req.NHidden = 8
	}
	// The nonlinear co-expression family has no exact gradient.
	if req.Model == pert.ModelCoExpNonlinear && req.Gradient == "" {
		req.Gradient = pert.GradientSPSA
	}
	if req.Iters <= 0 {
		req.Iters = 100
	}
	if req.Buffer <= 0 {
		req.Buffer = 5
	}
	if req.Patience == 0 {
		req.Patience = 20
	} else if req.Patience < 0 {
		req.Patience = 0
	}

	if err := c.ensureInit(ctx); err != nil {
		return FitSummary{}, err
	}

	if req.EnsembleRuns <= 1 {
		return c.fitOnce(ctx, req, req.Seed)
	}
	if req.RunID != "" {
		return FitSummary{}, errors.New("use either an explicit run id or ensemble runs, not both")
	}

	started := time.Now().UTC()
	dataSeed := req.Seed
	seeds := make([]int64, 0, req.EnsembleRuns)
	runIDs := make([]string, 0, req.EnsembleRuns)
	summaries := make(map[string]FitSummary, req.EnsembleRuns)
	for i := 0; i < req.EnsembleRuns; i++ {
		member := req
		member.Seed = dataSeed + int64(i)
		summary, err := c.fitOnce(ctx, member, dataSeed)
		if err != nil {
			return FitSummary{}, fmt.Errorf("ensemble member %d (seed %d): %w", i, member.Seed, err)
		}
		seeds = append(seeds, member.Seed)
		runIDs = append(runIDs, summary.RunID)
		summaries[summary.RunID] = summary
	}

	ens := stats.Ensemble{
		ID:             fmt.Sprintf("ens-%s-%d", strings.ToLower(req.Model), started.Unix()),
		Model:          req.Model,
		Notes:          req.EnsembleNotes,
		StartedAtUTC:   stats.Timestamp(started),
		CompletedAtUTC: stats.Timestamp(time.Now().UTC()),
		Seeds:          seeds,
		RunIDs:         runIDs,
	}
	if err := stats.WriteEnsemble(c.runsDir, ens); err != nil {
		return FitSummary{}, err
	}
	curve, err := stats.BuildEnsembleCurve(c.runsDir, ens)
	if err != nil {
		return FitSummary{}, err
	}
	if _, err := stats.WriteEnsembleCurveCSV(c.runsDir, ens.ID, curve); err != nil {
		return FitSummary{}, err
	}
	ensSummary, err := stats.BuildEnsembleSummary(c.runsDir, ens)
	if err != nil {
		return FitSummary{}, err
	}
	if err := stats.WriteEnsembleSummary(c.runsDir, ensSummary); err != nil {
		return FitSummary{}, err
	}

	best, ok := summaries[ensSummary.BestRunID]
	if !ok {
		return FitSummary{}, fmt.Errorf("ensemble summary names unknown best run id: %s", ensSummary.BestRunID)
	}
	best.Ensemble = &EnsembleFitSummary{
		EnsembleID: ensSummary.EnsembleID,
		Runs:       ensSummary.Runs,
		EvalMean:   ensSummary.EvalMean,
		EvalStd:    ensSummary.EvalStd,
		EvalMin:    ensSummary.EvalMin,
		EvalMax:    ensSummary.EvalMax,
		BestRunID:  ensSummary.BestRunID,
	}
	return best, nil
}

func (c *Client) fitOnce(ctx context.Context, req FitRequest, dataSeed int64) (FitSummary, error) {
	ds, err := loadFitDataset(req, dataSeed)
	if err != nil {
		return FitSummary{}, err
	}
	if req.NX == 0 {
		req.NX = ds.Nodes()
	} else if req.NX != ds.Nodes() {
		return FitSummary{}, fmt.Errorf("dataset has %d nodes but the request says n_x=%d", ds.Nodes(), req.NX)
	}
	if req.NProteinNodes == 0 && req.NActivityNodes == 0 {
		req.NProteinNodes = req.NX
		req.NActivityNodes = req.NX
	}

	trn, mon, eval, err := ds.Split(dataset.SplitSpec{
		TrnEnd:      req.TrainEnd,
		ValEnd:      req.MonitorEnd,
		TrainFrac:   req.TrainFrac,
		MonitorFrac: req.MonitorFrac,
		Shuffle:     req.Shuffle,
		Seed:        req.Seed,
	})
	if err != nil {
		return FitSummary{}, err
	}
	trnIt, err := dataset.NewIterator(trn, req.Batch, req.Sparse, req.Seed+1000)
	if err != nil {
		return FitSummary{}, err
	}
	monIt, err := dataset.NewIterator(mon, 0, req.Sparse, req.Seed+1001)
	if err != nil {
		return FitSummary{}, err
	}
	evalIt, err := dataset.NewIterator(eval, 0, req.Sparse, req.Seed+1002)
	if err != nil {
		return FitSummary{}, err
	}

	compiled, err := pert.Build(pert.Config{
		Model:          req.Model,
		NX:             req.NX,
		NProteinNodes:  req.NProteinNodes,
		NActivityNodes: req.NActivityNodes,
		PertForm:       req.PertForm,
		Envelope:       req.Envelope,
		EnvelopeForm:   req.EnvelopeForm,
		ODESolver:      req.ODESolver,
		DT:             req.DT,
		NT:             req.NT,
		ODELastSteps:   req.ODELastSteps,
		NHidden:        req.NHidden,
		WeightLoss:     req.WeightLoss,
		L1Lambda:       req.L1Lambda,
		L2Lambda:       req.L2Lambda,
		LR:             req.LR,
		Gradient:       req.Gradient,
		Optimizer:      req.Optimizer,
		Seed:           req.Seed,
	}, pert.DataSplits{Train: trnIt, Monitor: monIt, Eval: evalIt})
	if err != nil {
		return FitSummary{}, err
	}

	substages := req.Substages
	if len(substages) == 0 {
		substages = []train.Substage{{L1: req.L1Lambda, L2: req.L2Lambda, LR: req.LR, Iters: req.Iters}}
	}
	summary, err := train.Run(ctx, trainableModel{compiled}, train.Config{
		Substages: substages,
		Buffer:    req.Buffer,
		Patience:  req.Patience,
	})
	if err != nil {
		return FitSummary{}, err
	}

	now := time.Now().UTC()
	runID := req.RunID
	if runID == "" {
		runID = fmt.Sprintf("%s-%d-%d", strings.ToLower(req.Model), req.Seed, now.Unix())
	}

	cfgJSON, err := json.Marshal(compiled.Config())
	if err != nil {
		return FitSummary{}, err
	}
	trainLoss, monitorLoss := 0.0, 0.0
	if n := len(summary.Points); n > 0 {
		trainLoss = summary.Points[n-1].TrainLoss
		monitorLoss = summary.Points[n-1].MonitorLoss
	}
	run := model.RunRecord{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		ID:          runID,
		Model:       compiled.Config().Model,
		CreatedUnix: now.Unix(),
		Dataset: model.DatasetInfo{
			Name:       ds.Name,
			Samples:    ds.Samples(),
			Nodes:      ds.Nodes(),
			TrainEnd:   trn.Samples(),
			MonitorEnd: trn.Samples() + mon.Samples(),
			EvalEnd:    trn.Samples() + mon.Samples() + eval.Samples(),
			Sparse:     req.Sparse,
		},
		Config:      cfgJSON,
		Iterations:  summary.Iterations,
		StopReason:  summary.StopReason,
		TrainLoss:   trainLoss,
		MonitorLoss: monitorLoss,
		EvalLoss:    summary.Final.Loss,
	}

	snap := compiled.Snapshot()
	tensors := make(map[string]model.TensorRecord, len(snap))
	for name, data := range snap {
		rows, cols, err := compiled.Params().Shape(name)
		if err != nil {
			return FitSummary{}, err
		}
		tensors[name] = model.TensorRecord{Rows: rows, Cols: cols, Data: data}
	}
	params := model.ParamSnapshot{
		VersionedRecord: run.VersionedRecord,
		ID:              uuid.NewString(),
		RunID:           runID,
		Model:           run.Model,
		Tensors:         tensors,
	}
	history := model.LossHistory{
		VersionedRecord: run.VersionedRecord,
		RunID:           runID,
		Points:          summary.Points,
	}

	if err := c.store.SaveRun(ctx, run); err != nil {
		return FitSummary{}, err
	}
	if err := c.store.SaveParams(ctx, params); err != nil {
		return FitSummary{}, err
	}
	if err := c.store.SaveLossHistory(ctx, history); err != nil {
		return FitSummary{}, err
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, run, history, &params)
	if err != nil {
		return FitSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.IndexEntryForRun(run)); err != nil {
		return FitSummary{}, err
	}

	return FitSummary{
		RunID:        runID,
		ArtifactsDir: filepath.Clean(runDir),
		Iterations:   summary.Iterations,
		StopReason:   summary.StopReason,
		TrainLoss:    trainLoss,
		MonitorLoss:  monitorLoss,
		EvalLoss:     summary.Final.Loss,
		BestMonitor:  summary.BestMonitor,
		Report:       stats.RunReport(run, history),
	}, nil
}

func loadFitDataset(req FitRequest, dataSeed int64) (*dataset.Dataset, error) {
	var ds *dataset.Dataset
	var err error
	if req.Synthetic {
		ds, err = dataset.Generate(dataset.GenerateOptions{
			Samples:       req.Samples,
			Nodes:         req.NX,
			ProteinNodes:  req.NProteinNodes,
			ActivityNodes: req.NActivityNodes,
			MaxTargets:    req.MaxTargets,
			Seed:          dataSeed,
		})
	} else {
		if req.PertPath == "" || req.RespPath == "" {
			return nil, errors.New("fit requires pert and resp CSV paths, or a synthetic dataset")
		}
		ds, err = dataset.LoadPair(req.PertPath, req.RespPath)
	}
	if err != nil {
		return nil, err
	}
	if req.DatasetName != "" {
		ds.Name = req.DatasetName
	}
	return ds, nil
}

// Runs lists persisted runs, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.ensureInit(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RunItem, 0, req.Limit)
	for i := len(runs) - 1; i >= 0 && len(out) < req.Limit; i-- {
		r := runs[i]
		out = append(out, RunItem{
			RunID:        r.ID,
			CreatedAtUTC: stats.Timestamp(time.Unix(r.CreatedUnix, 0)),
			Model:        r.Model,
			Dataset:      r.Dataset.Name,
			Samples:      r.Dataset.Samples,
			Nodes:        r.Dataset.Nodes,
			Iterations:   r.Iterations,
			StopReason:   r.StopReason,
			TrainLoss:    r.TrainLoss,
			MonitorLoss:  r.MonitorLoss,
			EvalLoss:     r.EvalLoss,
		})
	}
	return out, nil
}

// LossHistory returns the per-iteration loss points of one run.
func (c *Client) LossHistory(ctx context.Context, req LossHistoryRequest) ([]model.LossPoint, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "loss history")
	if err != nil {
		return nil, err
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.ensureInit(ctx); err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetLossHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("loss history not found for run id: %s", runID)
	}
	points := history.Points
	if req.Limit > 0 && len(points) > req.Limit {
		points = points[:req.Limit]
	}
	return append([]model.LossPoint(nil), points...), nil
}

// Predict rebuilds the fitted model of a stored run and applies it to a new
// perturbation table, fanning the rows out over a small worker pool.
func (c *Client) Predict(ctx context.Context, req PredictRequest) (PredictSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "predict")
	if err != nil {
		return PredictSummary{}, err
	}
	if len(req.Pert) == 0 {
		return PredictSummary{}, errors.New("predict requires a non-empty perturbation table")
	}
	if req.Batch <= 0 {
		req.Batch = 64
	}
	if req.Workers <= 0 {
		req.Workers = 4
	}
	if err := c.ensureInit(ctx); err != nil {
		return PredictSummary{}, err
	}

	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return PredictSummary{}, err
	}
	if !ok {
		return PredictSummary{}, fmt.Errorf("run not found for run id: %s", runID)
	}
	if len(run.Config) == 0 {
		return PredictSummary{}, fmt.Errorf("run %s has no stored config", runID)
	}
	snapshot, ok, err := c.store.GetRunParams(ctx, runID)
	if err != nil {
		return PredictSummary{}, err
	}
	if !ok {
		return PredictSummary{}, fmt.Errorf("params not found for run id: %s", runID)
	}

	var cfg pert.Config
	if err := json.Unmarshal(run.Config, &cfg); err != nil {
		return PredictSummary{}, fmt.Errorf("run %s: decode stored config: %w", runID, err)
	}
	table, err := denseFromRows(req.Pert, cfg.NX)
	if err != nil {
		return PredictSummary{}, err
	}

	compiled, err := rebuildForPredict(cfg, table)
	if err != nil {
		return PredictSummary{}, err
	}
	restore := make(map[string][]float64, len(snapshot.Tensors))
	for name, rec := range snapshot.Tensors {
		restore[name] = rec.Data
	}
	if err := compiled.Restore(restore); err != nil {
		return PredictSummary{}, fmt.Errorf("run %s: restore params: %w", runID, err)
	}

	yhat, err := predictChunks(ctx, compiled, table, req.Batch, req.Workers)
	if err != nil {
		return PredictSummary{}, err
	}
	return PredictSummary{RunID: runID, Yhat: yhat}, nil
}

// rebuildForPredict wires the stored config to a throwaway source; prediction
// never steps the splits.
func rebuildForPredict(cfg pert.Config, table *tensor.Dense) (*pert.Compiled, error) {
	ds := &dataset.Dataset{Name: "predict", Pert: table, Resp: tensor.NewDense(table.Rows, table.Cols)}
	it, err := dataset.NewIterator(ds, 0, false, cfg.Seed)
	if err != nil {
		return nil, err
	}
	return pert.Build(cfg, pert.DataSplits{Train: it, Monitor: it, Eval: it})
}

func denseFromRows(rows [][]float64, nx int) (*tensor.Dense, error) {
	table := tensor.NewDense(len(rows), nx)
	for i, row := range rows {
		if len(row) != nx {
			return nil, fmt.Errorf("prediction row %d has %d values for a %d-node model", i, len(row), nx)
		}
		copy(table.Row(i), row)
	}
	return table, nil
}

func predictChunks(ctx context.Context, compiled *pert.Compiled, table *tensor.Dense, batch, workers int) ([][]float64, error) {
	type job struct {
		idx   int
		start int
		end   int
	}
	type result struct {
		idx  int
		yhat *tensor.Dense
		err  error
	}

	chunks := make([]job, 0, (table.Rows+batch-1)/batch)
	for start := 0; start < table.Rows; start += batch {
		end := start + batch
		if end > table.Rows {
			end = table.Rows
		}
		chunks = append(chunks, job{idx: len(chunks), start: start, end: end})
	}

	jobs := make(chan job)
	results := make(chan result, len(chunks))

	workerCount := workers
	if workerCount > len(chunks) {
		workerCount = len(chunks)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				chunk := tensor.NewDense(j.end-j.start, table.Cols)
				for r := j.start; r < j.end; r++ {
					copy(chunk.Row(r-j.start), table.Row(r))
				}
				yhat, err := compiled.Predict(tensor.DenseBatch(chunk))
				if err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				results <- result{idx: j.idx, yhat: yhat}
			}
		}()
	}

	for _, ch := range chunks {
		jobs <- ch
	}
	close(jobs)

	wg.Wait()
	close(results)

	parts := make([]*tensor.Dense, len(chunks))
	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		parts[res.idx] = res.yhat
	}

	out := make([][]float64, 0, table.Rows)
	for _, part := range parts {
		for r := 0; r < part.Rows; r++ {
			out = append(out, append([]float64(nil), part.Row(r)...))
		}
	}
	return out, nil
}

// Export copies a run's artifacts directory to the export directory.
func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(runID string, latest bool, op string) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", fmt.Errorf("%s requires run id or latest", op)
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

// trainableModel adapts a compiled model to the training harness.
type trainableModel struct {
	c *pert.Compiled
}

func (t trainableModel) Optimize(ctx context.Context) (train.StepReport, error) {
	ev, err := t.c.Optimize(ctx)
	if err != nil {
		return train.StepReport{}, err
	}
	return train.StepReport{Loss: ev.Loss, Recon: ev.Recon}, nil
}

func (t trainableModel) Monitor(ctx context.Context) (train.StepReport, error) {
	ev, err := t.c.MonitorStep(ctx)
	if err != nil {
		return train.StepReport{}, err
	}
	return train.StepReport{Loss: ev.Loss, Recon: ev.Recon}, nil
}

func (t trainableModel) Eval(ctx context.Context) (train.StepReport, error) {
	ev, err := t.c.EvalStep(ctx)
	if err != nil {
		return train.StepReport{}, err
	}
	return train.StepReport{Loss: ev.Loss, Recon: ev.Recon}, nil
}

func (t trainableModel) SetLambdas(l1, l2 float64) { t.c.SetLambdas(l1, l2) }

func (t trainableModel) SetLR(lr float64) { t.c.SetLR(lr) }

func (t trainableModel) Snapshot() map[string][]float64 { return t.c.Snapshot() }

func (t trainableModel) Restore(snap map[string][]float64) error { return t.c.Restore(snap) }
