// Package orchestrator decomposes scrape requests into workflow graphs and
// drives job state through the stage handlers.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/config"
	"github.com/crestmark-data/ratings-sync/internal/enrich"
	"github.com/crestmark-data/ratings-sync/internal/extract"
	"github.com/crestmark-data/ratings-sync/internal/jobstore"
	"github.com/crestmark-data/ratings-sync/internal/model"
	"github.com/crestmark-data/ratings-sync/internal/scraper"
	"github.com/crestmark-data/ratings-sync/internal/store"
	syncer "github.com/crestmark-data/ratings-sync/internal/sync"
	"github.com/crestmark-data/ratings-sync/internal/workflow"
)

// Queue names. Scrapes are kept off the extraction and upload pools so a
// slow crawl target cannot starve downstream stages.
const (
	QueueScraping   = "scraping"
	QueueExtraction = "extraction"
	QueueUploading  = "uploading"
	QueueDefault    = "default"
)

// Task names.
const (
	taskScrapeChunk   = "scrape_chunk"
	taskExtractStore  = "extract_store"
	taskSyncJob       = "sync_job"
	taskFinalizeJob   = "finalize_job"
	taskProcessChunks = "process_chunks"
	taskResyncJob     = "resync_job"
	taskCINScrape     = "cin_scrape"
	taskCINExtract    = "cin_extract"
	taskCINUpdate     = "cin_update"
)

const dateLayout = "2006-01-02"

// cinLookupBatchLimit caps how many pending lookups one sync stage enqueues.
const cinLookupBatchLimit = 50

// QueueSpecs maps the worker-pool configuration onto the engine's queues.
func QueueSpecs(cfg config.WorkersConfig) []workflow.QueueSpec {
	return []workflow.QueueSpec{
		{Name: QueueScraping, Workers: cfg.Scraping},
		{Name: QueueExtraction, Workers: cfg.Extraction},
		{Name: QueueUploading, Workers: cfg.Uploading},
		{Name: QueueDefault, Workers: cfg.Default},
	}
}

// scrapeTask is the payload of a scrape branch; its fields ride through the
// whole chain so every stage knows its job and, for chunked runs, the parent.
type scrapeTask struct {
	JobID       string `json:"job_id"`
	ParentJobID string `json:"parent_job_id,omitempty"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Body        []byte `json:"body,omitempty"`
}

// cinTask is the payload flowing through the identifier lookup chain.
type cinTask struct {
	CompanyName string          `json:"company_name"`
	QueryName   string          `json:"query_name"`
	AliasTried  bool            `json:"alias_tried,omitempty"`
	Body        []byte          `json:"body,omitempty"`
	CIN         string          `json:"cin,omitempty"`
	Status      model.CINStatus `json:"status,omitempty"`
}

// resyncTask re-runs sync for an earlier job under a fresh tracking job.
type resyncTask struct {
	JobID       string `json:"job_id"`
	TargetJobID string `json:"target_job_id"`
}

// Orchestrator owns the task handlers and the job lifecycle around them.
type Orchestrator struct {
	engine  *workflow.Engine
	jobs    *jobstore.Manager
	store   store.Store
	scraper *scraper.Scraper
	syncer  *syncer.Syncer
	enrich  *enrich.Pipeline

	chunkDays     int
	maxRangeDays  int
	enrichEnabled bool
}

// New wires the orchestrator and registers every task handler plus the
// failure hook on the engine.
func New(
	engine *workflow.Engine,
	jobs *jobstore.Manager,
	st store.Store,
	sc *scraper.Scraper,
	sy *syncer.Syncer,
	pipeline *enrich.Pipeline,
	cfg config.Config,
) *Orchestrator {
	o := &Orchestrator{
		engine:        engine,
		jobs:          jobs,
		store:         st,
		scraper:       sc,
		syncer:        sy,
		enrich:        pipeline,
		chunkDays:     cfg.Scraper.ChunkDays,
		maxRangeDays:  cfg.Scraper.MaxRangeDays,
		enrichEnabled: cfg.Enrich.Enabled && pipeline != nil,
	}
	if o.chunkDays <= 0 {
		o.chunkDays = 30
	}

	engine.Register(taskScrapeChunk, o.handleScrapeChunk)
	engine.Register(taskExtractStore, o.handleExtractStore)
	engine.Register(taskSyncJob, o.handleSyncJob)
	engine.Register(taskFinalizeJob, o.handleFinalizeJob)
	engine.Register(taskProcessChunks, o.handleProcessChunks)
	engine.Register(taskResyncJob, o.handleResyncJob)
	engine.Register(taskCINScrape, o.handleCINScrape)
	engine.Register(taskCINExtract, o.handleCINExtract)
	engine.Register(taskCINUpdate, o.handleCINUpdate)
	engine.OnFailure(o.onTaskFailure)
	return o
}

// DateChunk is one bounded sub-range of a scrape request, bounds inclusive.
type DateChunk struct {
	Start time.Time
	End   time.Time
}

// SplitDateRange cuts [start, end] into chunks of at most chunkDays days.
func SplitDateRange(start, end time.Time, chunkDays int) []DateChunk {
	if chunkDays <= 0 {
		chunkDays = 30
	}
	var chunks []DateChunk
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, chunkDays) {
		chunkEnd := cur.AddDate(0, 0, chunkDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, DateChunk{Start: cur, End: chunkEnd})
	}
	return chunks
}

// SubmitScrape validates the range, creates the tracking job, and submits
// the workflow. It returns immediately with the job id; the work runs on the
// engine's pools.
func (o *Orchestrator) SubmitScrape(ctx context.Context, startDate, endDate string) (*model.Job, error) {
	start, end, err := scraper.ValidateRange(startDate, endDate, o.maxRangeDays)
	if err != nil {
		return nil, err
	}

	chunks := SplitDateRange(start, end, o.chunkDays)
	if len(chunks) == 1 {
		job, err := o.jobs.Create(ctx, model.JobTypeScrapeRange, startDate, endDate, "")
		if err != nil {
			return nil, err
		}
		err = o.engine.SubmitChain(ctx,
			workflow.NewTask(taskScrapeChunk, QueueScraping, scrapeTask{
				JobID:     job.ID,
				StartDate: startDate,
				EndDate:   endDate,
			}),
			workflow.NewTask(taskExtractStore, QueueExtraction, nil),
			workflow.NewTask(taskSyncJob, QueueUploading, nil),
			workflow.NewTask(taskFinalizeJob, QueueDefault, nil),
		)
		if err != nil {
			return nil, err
		}
		return job, nil
	}

	parent, err := o.jobs.Create(ctx, model.JobTypeScrapeRange, startDate, endDate, "")
	if err != nil {
		return nil, err
	}
	branches := make([]workflow.Task, 0, len(chunks))
	for _, chunk := range chunks {
		sub, err := o.jobs.Create(ctx, model.JobTypeScrapeChunk,
			chunk.Start.Format(dateLayout), chunk.End.Format(dateLayout), parent.ID)
		if err != nil {
			return nil, err
		}
		if err := o.jobs.AddSubJob(ctx, parent.ID, sub.ID); err != nil {
			return nil, err
		}
		branches = append(branches, workflow.NewTask(taskScrapeChunk, QueueScraping, scrapeTask{
			JobID:       sub.ID,
			ParentJobID: parent.ID,
			StartDate:   chunk.Start.Format(dateLayout),
			EndDate:     chunk.End.Format(dateLayout),
		}))
	}
	if _, err := o.engine.SubmitGroup(ctx, branches,
		workflow.NewTask(taskProcessChunks, QueueExtraction, nil)); err != nil {
		return nil, err
	}
	if err := o.jobs.SetStatus(ctx, parent.ID, model.JobStatusRunning,
		fmt.Sprintf("Scraping %d chunks", len(chunks))); err != nil {
		return nil, err
	}
	return o.jobs.Get(ctx, parent.ID)
}

// SubmitResync creates a resync job for an earlier job's sync-failed
// ratings and submits it.
func (o *Orchestrator) SubmitResync(ctx context.Context, targetJobID string) (*model.Job, error) {
	if _, err := o.jobs.Get(ctx, targetJobID); err != nil {
		return nil, err
	}
	job, err := o.jobs.Create(ctx, model.JobTypeResync, "", "", "")
	if err != nil {
		return nil, err
	}
	err = o.engine.SubmitTask(ctx, workflow.NewTask(taskResyncJob, QueueUploading, resyncTask{
		JobID:       job.ID,
		TargetJobID: targetJobID,
	}))
	if err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitCINLookup submits the scrape→extract→update identifier chain for
// one company.
func (o *Orchestrator) SubmitCINLookup(ctx context.Context, companyName string) error {
	return o.submitCINChain(ctx, cinTask{CompanyName: companyName, QueryName: companyName})
}

func (o *Orchestrator) submitCINChain(ctx context.Context, t cinTask) error {
	return o.engine.SubmitChain(ctx,
		workflow.NewTask(taskCINScrape, QueueScraping, t),
		workflow.NewTask(taskCINExtract, QueueExtraction, nil),
		workflow.NewTask(taskCINUpdate, QueueDefault, nil),
	)
}

func (o *Orchestrator) handleScrapeChunk(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var t scrapeTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, eris.Wrap(err, "orchestrator: decode scrape payload")
	}
	if err := o.jobs.SetStatus(ctx, t.JobID, model.JobStatusRunning, "Scraping disclosures"); err != nil {
		return nil, err
	}
	if err := o.jobs.SetProgress(ctx, t.JobID, 5, "Fetching listing page"); err != nil {
		return nil, err
	}

	start, err := time.Parse(dateLayout, t.StartDate)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: parse start date %q", t.StartDate)
	}
	end, err := time.Parse(dateLayout, t.EndDate)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: parse end date %q", t.EndDate)
	}

	res, err := o.scraper.FetchRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	t.Body = res.Body
	return json.Marshal(t)
}

func (o *Orchestrator) handleExtractStore(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var t scrapeTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, eris.Wrap(err, "orchestrator: decode extract payload")
	}
	if err := o.extractAndStore(ctx, &t); err != nil {
		return nil, err
	}
	t.Body = nil
	return json.Marshal(t)
}

// extractAndStore runs the extractor over one fetched listing and inserts
// the records under the task's job.
func (o *Orchestrator) extractAndStore(ctx context.Context, t *scrapeTask) error {
	if err := o.jobs.SetProgress(ctx, t.JobID, 30, "Extracting records"); err != nil {
		return err
	}

	records, err := extract.Extract(bytes.NewReader(t.Body))
	if err != nil {
		return err
	}
	ratings := make([]model.Rating, len(records))
	for i, r := range records {
		ratings[i] = model.Rating{
			CompanyName: r.CompanyName,
			Instrument:  r.Category,
			Rating:      r.Rating,
			Outlook:     r.Outlook,
			Amount:      r.Amount,
			RawDate:     r.Date,
			SourceURL:   r.URL,
		}
	}

	result, err := o.store.BatchInsert(ctx, t.JobID, ratings)
	if err != nil {
		return err
	}
	zap.L().Info("stored extracted records",
		zap.String("job_id", t.JobID),
		zap.Int("extracted", len(records)),
		zap.Int("new", result.Inserted),
		zap.Int("duplicates", result.Duplicates),
	)
	return o.jobs.AddCounters(ctx, t.JobID, model.JobCounters{
		TotalExtracted:          len(records),
		NewRecords:              result.Inserted,
		DuplicateRecordsSkipped: result.Duplicates,
		CompaniesCreated:        result.CompaniesCreated,
		RatingsCreated:          result.Inserted,
	})
}

func (o *Orchestrator) handleSyncJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var t scrapeTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, eris.Wrap(err, "orchestrator: decode sync payload")
	}
	if err := o.syncJob(ctx, t.JobID); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// syncJob mirrors one job's companies then ratings, records the counters,
// and enqueues identifier lookups for new companies.
func (o *Orchestrator) syncJob(ctx context.Context, jobID string) error {
	if err := o.jobs.SetProgress(ctx, jobID, 70, "Uploading to Airtable"); err != nil {
		return err
	}

	companiesSynced, err := o.syncer.SyncCompaniesForJob(ctx, jobID)
	if err != nil {
		return err
	}
	counters, err := o.syncer.SyncRatingsForJob(ctx, jobID)
	if err != nil {
		return err
	}
	zap.L().Info("synced job to system of record",
		zap.String("job_id", jobID),
		zap.Int("companies", companiesSynced),
		zap.Int("ratings", counters.UploadedToAirtable),
		zap.Int("failures", counters.SyncFailures),
	)
	if err := o.jobs.AddCounters(ctx, jobID, counters); err != nil {
		return err
	}
	o.enqueueCINLookups(ctx)
	return nil
}

// enqueueCINLookups schedules identifier chains for companies still pending
// a lookup. Best effort: scheduling failures are logged, never fatal.
func (o *Orchestrator) enqueueCINLookups(ctx context.Context) {
	if !o.enrichEnabled {
		return
	}
	companies, err := o.store.CompaniesNeedingCINLookup(ctx, cinLookupBatchLimit)
	if err != nil {
		zap.L().Warn("listing companies for identifier lookup failed", zap.Error(err))
		return
	}
	for _, c := range companies {
		if err := o.SubmitCINLookup(ctx, c.Name); err != nil {
			zap.L().Warn("submitting identifier lookup failed",
				zap.String("company", c.Name), zap.Error(err))
		}
	}
}

func (o *Orchestrator) handleFinalizeJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var t scrapeTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, eris.Wrap(err, "orchestrator: decode finalize payload")
	}
	if err := o.jobs.SetStatus(ctx, t.JobID, model.JobStatusCompleted, "Completed"); err != nil {
		return nil, err
	}
	if t.ParentJobID != "" {
		if _, err := o.jobs.CheckAndAggregateParent(ctx, t.ParentJobID); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// handleProcessChunks is the barrier continuation for chunked ranges: its
// payload is the ordered list of branch results. Failed branches were
// already marked on their sub-jobs by the failure hook; the remaining chunk
// bodies are extracted, stored, and synced here.
func (o *Orchestrator) handleProcessChunks(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var results []json.RawMessage
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, eris.Wrap(err, "orchestrator: decode barrier results")
	}

	parentID := ""
	for _, raw := range results {
		if _, failed := workflow.BranchError(raw); failed {
			continue
		}
		var t scrapeTask
		if err := json.Unmarshal(raw, &t); err != nil {
			zap.L().Error("undecodable chunk result", zap.Error(err))
			continue
		}
		parentID = t.ParentJobID

		if err := o.extractAndStore(ctx, &t); err != nil {
			o.failJob(ctx, t.JobID, t.ParentJobID, err)
			continue
		}
		if err := o.syncJob(ctx, t.JobID); err != nil {
			o.failJob(ctx, t.JobID, t.ParentJobID, err)
			continue
		}
		if err := o.jobs.SetStatus(ctx, t.JobID, model.JobStatusCompleted, "Completed"); err != nil {
			return nil, err
		}
	}

	if parentID != "" {
		if _, err := o.jobs.CheckAndAggregateParent(ctx, parentID); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (o *Orchestrator) handleResyncJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var t resyncTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, eris.Wrap(err, "orchestrator: decode resync payload")
	}
	if err := o.jobs.SetStatus(ctx, t.JobID, model.JobStatusRunning, "Resyncing failed ratings"); err != nil {
		return nil, err
	}

	counters, err := o.syncer.Resync(ctx, t.TargetJobID)
	if err != nil {
		return nil, err
	}
	if err := o.jobs.AddCounters(ctx, t.JobID, counters); err != nil {
		return nil, err
	}
	if err := o.jobs.SetStatus(ctx, t.JobID, model.JobStatusCompleted,
		fmt.Sprintf("Resynced %d ratings, %d failures", counters.UploadedToAirtable, counters.SyncFailures)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (o *Orchestrator) handleCINScrape(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var t cinTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, eris.Wrap(err, "orchestrator: decode cin scrape payload")
	}
	body, err := o.enrich.FetchResultsPage(ctx, t.QueryName)
	if err != nil {
		return nil, err
	}
	t.Body = body
	return json.Marshal(t)
}

func (o *Orchestrator) handleCINExtract(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var t cinTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, eris.Wrap(err, "orchestrator: decode cin extract payload")
	}
	result, err := o.enrich.ExtractMatch(t.Body, t.QueryName)
	if err != nil {
		return nil, err
	}
	t.Body = nil
	t.CIN = result.CIN
	t.Status = result.Status
	return json.Marshal(t)
}

func (o *Orchestrator) handleCINUpdate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var t cinTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, eris.Wrap(err, "orchestrator: decode cin update payload")
	}
	company, err := o.store.GetCompanyByName(ctx, t.CompanyName)
	if err != nil {
		return nil, err
	}
	if err := o.enrich.Persist(ctx, company, enrich.MatchResult{CIN: t.CIN, Status: t.Status}); err != nil {
		return nil, err
	}

	// One alias fallback: when the primary name finds nothing and carries a
	// bracketed erstwhile/formerly alternate, look that up once.
	exhausted := t.Status == model.CINStatusNoResults || t.Status == model.CINStatusNotFound
	if exhausted && !t.AliasTried {
		if alias, ok := enrich.Alias(t.CompanyName); ok {
			zap.L().Info("submitting alias identifier lookup",
				zap.String("company", t.CompanyName),
				zap.String("alias", alias),
			)
			if err := o.submitCINChain(ctx, cinTask{
				CompanyName: t.CompanyName,
				QueryName:   alias,
				AliasTried:  true,
			}); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// onTaskFailure marks the owning job failed once a task exhausts its
// retries. Identifier lookup tasks carry no job and record their outcome on
// the company row instead.
func (o *Orchestrator) onTaskFailure(ctx context.Context, task workflow.Task, err error) {
	var ids struct {
		JobID       string `json:"job_id"`
		ParentJobID string `json:"parent_job_id"`
		CompanyName string `json:"company_name"`
	}
	if task.Payload != nil {
		_ = json.Unmarshal(task.Payload, &ids)
	}

	if ids.JobID != "" {
		o.failJob(ctx, ids.JobID, ids.ParentJobID, err)
		return
	}
	if ids.CompanyName != "" {
		if company, lookupErr := o.store.GetCompanyByName(ctx, ids.CompanyName); lookupErr == nil {
			if persistErr := o.store.UpdateCompanyCIN(ctx, company.ID, "", model.CINStatusError); persistErr != nil {
				zap.L().Warn("recording lookup failure on company failed",
					zap.String("company", ids.CompanyName), zap.Error(persistErr))
			}
		}
	}
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, parentID string, cause error) {
	if err := o.jobs.Fail(ctx, jobID, cause); err != nil {
		zap.L().Error("marking job failed failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
	if parentID != "" {
		if _, err := o.jobs.CheckAndAggregateParent(ctx, parentID); err != nil {
			zap.L().Error("aggregating parent after failure failed",
				zap.String("parent_id", parentID), zap.Error(err))
		}
	}
}
