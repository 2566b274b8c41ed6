// Package worker runs launched job requests: it downscales each requested
// variable on chickadee, feeds the outputs to finch index processes, mails
// the user a summary and records the outcome in the job store.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"odds/internal/external"
	"odds/internal/grid"
	"odds/internal/jobs"
	"odds/internal/metrics"
	"odds/internal/notifications/email"
	"odds/internal/params"
	"odds/internal/results"
	"odds/internal/subset"
	"odds/internal/types"
)

// outcomeProcess labels whole-request outcomes in metrics.
const outcomeProcess = "odds_request"

// JobStore tracks request status and the WPS jobs each request submits.
// *db.JobsRepository satisfies it.
type JobStore interface {
	MarkRunning(ctx context.Context, id string, at time.Time) (bool, error)
	Finish(ctx context.Context, id string, status types.JobStatus, errText, results string, at time.Time) error
	RecordWPSJob(ctx context.Context, requestID string, ref types.WPSJobRef) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// SourceResolver locates model and observation files. *catalog.Resolver
// satisfies it.
type SourceResolver interface {
	ResolveSourceURL(ctx context.Context, sel types.DatasetSelector, v types.Variable) (string, error)
	ObservationURL(v types.Variable) string
}

// Deps are the collaborators of a Processor. Mailer may be nil.
type Deps struct {
	Store     JobStore
	Sources   SourceResolver
	Opener    grid.Opener
	Chickadee *jobs.Manager
	Finch     *jobs.Manager
	Locations params.Locations
	Mailer    external.EmailProvider
	From      string
	Metrics   metrics.Recorder
	Clock     types.Clock
	Logger    *slog.Logger

	// Timeout bounds one request end to end. Zero means 6h.
	Timeout time.Duration
	// Parallelism caps concurrent WPS jobs per request. Zero means 2.
	Parallelism int
}

// Processor executes job requests received from the task queue.
type Processor struct {
	deps Deps
}

// NewProcessor creates a Processor.
func NewProcessor(d Deps) *Processor {
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.Clock == nil {
		d.Clock = types.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Timeout <= 0 {
		d.Timeout = 6 * time.Hour
	}
	if d.Parallelism <= 0 {
		d.Parallelism = 2
	}
	return &Processor{deps: d}
}

// Handle runs req to completion. It returns an error only when the request
// should be redelivered; failures of the remote jobs themselves are reported
// to the user and recorded instead.
func (p *Processor) Handle(ctx context.Context, req types.JobRequest) error {
	logger := p.deps.Logger.With("job_id", req.ID)
	started := p.deps.Clock.Now()

	claimed, err := p.deps.Store.MarkRunning(ctx, req.ID, started)
	if err != nil {
		return err
	}
	if !claimed {
		logger.WarnContext(ctx, "job is not queued, skipping redelivered message")
		return nil
	}
	logger.InfoContext(ctx, "job started",
		"output_intent", string(req.OutputIntent),
		"downscale_jobs", len(req.DownscaleJobs),
		"index_jobs", len(req.IndexJobs),
	)

	runCtx, cancel := context.WithTimeout(ctx, p.deps.Timeout)
	summary := p.run(runCtx, req, logger)
	cancel()

	status, errText := types.JobSucceeded, strings.Join(summary.failures(), "; ")
	switch {
	case summary.cancelled || p.cancelRequested(ctx, req.ID, logger):
		status, errText = types.JobCancelled, "cancelled by user"
	case errText != "":
		status = types.JobFailed
	}
	body := summary.Body()

	if p.deps.Mailer != nil {
		if _, err := p.deps.Mailer.Send(ctx, email.ResultsMessage(p.deps.From, req, summary.ResultsSummary)); err != nil {
			logger.ErrorContext(ctx, "failed to send results email", "to", email.RedactEmail(req.UserEmail), "error", err)
		}
	}

	finished := p.deps.Clock.Now()
	if err := p.deps.Store.Finish(ctx, req.ID, status, errText, body, finished); err != nil {
		// The work is done; a redelivery would find the job running and skip it.
		logger.ErrorContext(ctx, "failed to record job outcome", "status", string(status), "error", err)
	}
	p.deps.Metrics.RecordOutcome(ctx, outcomeProcess, status, finished.Sub(started))
	logger.InfoContext(ctx, "job finished", "status", string(status), "duration", finished.Sub(started).String())
	return nil
}

type summary struct {
	email.ResultsSummary
	cancelled bool
}

func (s summary) failures() []string {
	var out []string
	for _, f := range s.Downscaled {
		if f.Err != "" {
			out = append(out, string(f.Variable)+": "+f.Err)
		}
	}
	for _, o := range s.Indices {
		switch {
		case o.NoInput:
			out = append(out, o.Name+": no input file")
		case o.Err != "":
			out = append(out, o.Name+": "+o.Err)
		}
	}
	return out
}

func (p *Processor) run(ctx context.Context, req types.JobRequest, logger *slog.Logger) summary {
	s := summary{ResultsSummary: email.ResultsSummary{Intent: req.OutputIntent}}

	handles := make([]*jobs.LiveJob, len(req.DownscaleJobs))
	s.Downscaled = make([]email.DownscaledFile, len(req.DownscaleJobs))

	var g errgroup.Group
	g.SetLimit(p.deps.Parallelism)
	for i, dr := range req.DownscaleJobs {
		g.Go(func() error {
			vlog := logger.With("variable", string(dr.Variable))
			job, err := p.downscale(ctx, req.ID, dr, vlog)
			if err != nil {
				vlog.WarnContext(ctx, "downscaling failed", "code", string(types.CodeOf(err)), "error", err)
				s.Downscaled[i] = email.DownscaledFile{Variable: dr.Variable, Err: userMessage(err)}
				return nil
			}
			url, _ := job.Result()
			handles[i] = job
			s.Downscaled[i] = email.DownscaledFile{Variable: dr.Variable, URL: p.deps.Locations.FileServer(url)}
			return nil
		})
	}
	_ = g.Wait()

	if !req.OutputIntent.WantsIndices() {
		return s
	}
	if p.cancelRequested(ctx, req.ID, logger) {
		logger.InfoContext(ctx, "cancel requested, skipping index jobs", "index_jobs", len(req.IndexJobs))
		s.cancelled = true
		return s
	}

	agg := results.New(p.deps.Locations)
	for i, h := range handles {
		if h != nil {
			agg.Track(req.DownscaleJobs[i].Variable, h)
		}
	}
	if len(req.PreviousOutputs) > 0 {
		added, err := agg.AddPrevious(req.PreviousOutputs)
		if err != nil {
			logger.WarnContext(ctx, "ignoring previous outputs", "error", err)
		} else {
			logger.InfoContext(ctx, "previous outputs added", "count", len(added))
		}
	}
	agg.SelectAll()

	outcomes := make([][]email.IndexOutcome, len(req.IndexJobs))
	g = errgroup.Group{}
	g.SetLimit(p.deps.Parallelism)
	for i, ir := range req.IndexJobs {
		g.Go(func() error {
			outcomes[i] = p.index(ctx, req.ID, agg, ir, logger.With("index", ir.Identifier))
			return nil
		})
	}
	_ = g.Wait()
	for _, o := range outcomes {
		s.Indices = append(s.Indices, o...)
	}
	return s
}

// downscale subsets the source files around the request's point and runs
// chickadee ci on them. Mean temperature first derives the model series
// with finch tg.
func (p *Processor) downscale(ctx context.Context, requestID string, dr types.DownscaleRequest, logger *slog.Logger) (*jobs.LiveJob, error) {
	src, err := Subsets(ctx, p.deps.Sources, p.deps.Opener, dr)
	if err != nil {
		return nil, err
	}

	if dr.Variable == types.VarTasmean {
		tg, err := p.submit(ctx, p.deps.Finch, requestID, params.MeanTempProcess, params.MeanTempInputs(src.GCMFile))
		if err != nil {
			return nil, err
		}
		url, err := p.deps.Finch.Wait(ctx, tg)
		if err != nil {
			return nil, err
		}
		src.GCMFile = p.deps.Locations.OPeNDAP(url)
		logger.InfoContext(ctx, "mean temperature derived", "gcm_file", src.GCMFile)
	}

	payload, err := params.AssembleDownscaling(dr, src)
	if err != nil {
		return nil, err
	}
	job, err := p.submit(ctx, p.deps.Chickadee, requestID, params.DownscaleProcess, payload.WPSInputs())
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "downscaling submitted", "wps_job_id", job.ID(), "out_file", payload.OutFile)
	if _, err := p.deps.Chickadee.Wait(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Subsets builds the constrained OPeNDAP URLs of the model and observation
// files. The blend is read over its full time axis; ensemble files over the
// selected period.
func Subsets(ctx context.Context, sources SourceResolver, opener grid.Opener, dr types.DownscaleRequest) (params.Sources, error) {
	v := dr.Variable
	gcmURL, err := sources.ResolveSourceURL(ctx, dr.Selector, v)
	if err != nil {
		return params.Sources{}, err
	}
	obsURL := sources.ObservationURL(v)

	gcm, err := opener.Open(ctx, gcmURL)
	if err != nil {
		return params.Sources{}, err
	}
	defer gcm.Close()
	obs, err := opener.Open(ctx, obsURL)
	if err != nil {
		return params.Sources{}, err
	}
	defer obs.Close()

	gLat, gLon, err := spatialRanges(ctx, gcm, dr.Subdomain.Model)
	if err != nil {
		return params.Sources{}, err
	}
	oLat, oLon, err := spatialRanges(ctx, obs, dr.Subdomain.Obs)
	if err != nil {
		return params.Sources{}, err
	}

	var gTime subset.Range
	if dr.Selector.Dataset.IsEnsemble() {
		times, err := gcm.Values(ctx, "time")
		if err != nil {
			return params.Sources{}, err
		}
		attrs := gcm.Attributes("time")
		gTime, err = subset.TimeIndexRange(subset.TimeMeta{
			Units:    attrs.String("units"),
			Calendar: attrs.String("calendar"),
			Values:   times,
		}, dr.Selector.Period)
		if err != nil {
			return params.Sources{}, err
		}
	} else if gTime, err = fullTime(gcm); err != nil {
		return params.Sources{}, err
	}
	oTime, err := fullTime(obs)
	if err != nil {
		return params.Sources{}, err
	}

	return params.Sources{
		GCMFile: subset.ModelQuery(gcmURL, string(v.ModelProxy()), gTime, gLat, gLon),
		ObsFile: subset.ObservationQuery(obsURL, v.ObservationName(), oTime, oLat, oLon),
	}, nil
}

func spatialRanges(ctx context.Context, ds grid.Dataset, box types.BoundingBox) (subset.Range, subset.Range, error) {
	lats, err := ds.Values(ctx, "lat")
	if err != nil {
		return subset.Range{}, subset.Range{}, err
	}
	lons, err := ds.Values(ctx, "lon")
	if err != nil {
		return subset.Range{}, subset.Range{}, err
	}
	lat, err := subset.IndexRange(lats, box.LatMin, box.LatMax)
	if err != nil {
		return subset.Range{}, subset.Range{}, err
	}
	lon, err := subset.IndexRange(lons, box.LonMin, box.LonMax)
	if err != nil {
		return subset.Range{}, subset.Range{}, err
	}
	return lat, lon, nil
}

func fullTime(ds grid.Dataset) (subset.Range, error) {
	shape, err := ds.Shape("time")
	if err != nil {
		return subset.Range{}, err
	}
	if len(shape) != 1 || shape[0] < 1 {
		return subset.Range{}, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, "time is not a non-empty 1-D coordinate", nil)
	}
	return subset.Full(shape[0]), nil
}

// index runs one finch index process per input set the downscaled outputs
// provide for the index's variable group.
func (p *Processor) index(ctx context.Context, requestID string, agg *results.Aggregator, ir types.IndexRequest, logger *slog.Logger) []email.IndexOutcome {
	name := ir.Name
	job, err := params.AssembleIndex(ir)
	if err != nil {
		return []email.IndexOutcome{{Name: name, Err: userMessage(err)}}
	}
	if name == "" {
		name = job.Name
	}

	sets, err := agg.IndexInputs(job.Group)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundOutput) {
			return []email.IndexOutcome{{Name: name, NoInput: true}}
		}
		return []email.IndexOutcome{{Name: name, Err: userMessage(err)}}
	}

	out := make([]email.IndexOutcome, 0, len(sets))
	for _, urls := range sets {
		url, err := p.runIndex(ctx, requestID, job, urls)
		if err != nil {
			logger.WarnContext(ctx, "index job failed", "code", string(types.CodeOf(err)), "error", err)
			out = append(out, email.IndexOutcome{Name: name, Err: userMessage(err)})
			continue
		}
		out = append(out, email.IndexOutcome{Name: name, URL: p.deps.Locations.FileServer(url)})
	}
	return out
}

func (p *Processor) runIndex(ctx context.Context, requestID string, job params.IndexJob, urls map[types.Variable]string) (string, error) {
	inputs, err := job.WPSInputs(urls)
	if err != nil {
		return "", err
	}
	lj, err := p.submit(ctx, p.deps.Finch, requestID, job.Identifier, inputs)
	if err != nil {
		return "", err
	}
	return p.deps.Finch.Wait(ctx, lj)
}

// submit starts process on m and records the WPS job against the request,
// where a cancel from the API finds it.
func (p *Processor) submit(ctx context.Context, m *jobs.Manager, requestID, process string, inputs []external.WPSInput) (*jobs.LiveJob, error) {
	job, err := m.Submit(ctx, process, inputs)
	if err != nil {
		return nil, err
	}
	if err := p.deps.Store.RecordWPSJob(ctx, requestID, job.Ref()); err != nil {
		p.deps.Logger.WarnContext(ctx, "failed to record WPS job",
			"job_id", requestID,
			"wps_job_id", job.ID(),
			"error", err,
		)
	}
	return job, nil
}

// cancelRequested reads the request's cancel flag. A store error counts as
// not requested.
func (p *Processor) cancelRequested(ctx context.Context, id string, logger *slog.Logger) bool {
	requested, err := p.deps.Store.CancelRequested(ctx, id)
	if err != nil {
		logger.WarnContext(ctx, "failed to read cancel flag", "error", err)
		return false
	}
	return requested
}

// userMessage is the text shown to users for err.
func userMessage(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
