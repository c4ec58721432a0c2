// Package enrich looks up corporate identifiers (CINs) for rated companies
// against a registry search site and records the outcome on the company row.
package enrich

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/model"
	"github.com/crestmark-data/ratings-sync/internal/scraper"
	"github.com/crestmark-data/ratings-sync/internal/store"
	"github.com/crestmark-data/ratings-sync/pkg/airtable"
)

// fieldCIN is the identifier column on the system-of-record Companies table.
const fieldCIN = "CIN"

// ParseResults extracts (identifier, name) candidates from the search
// results table. The first cell of a row is the identifier, the second the
// registered name; rows without both are skipped.
func ParseResults(body []byte) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "enrich: parse results page")
	}

	var candidates []Candidate
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		cin := strings.TrimSpace(cells.Eq(0).Text())
		name := strings.TrimSpace(cells.Eq(1).Text())
		if cin == "" || name == "" {
			return
		}
		candidates = append(candidates, Candidate{CIN: cin, Name: name})
	})
	return candidates, nil
}

// Pipeline runs the per-company identifier lookup.
type Pipeline struct {
	store          store.Store
	scraper        *scraper.Scraper
	airtable       airtable.Client
	searchBaseURL  string
	companiesTable string
}

// NewPipeline builds the lookup pipeline. airtableClient may be nil when no
// system-of-record mirror is configured.
func NewPipeline(st store.Store, sc *scraper.Scraper, airtableClient airtable.Client, searchBaseURL, companiesTable string) *Pipeline {
	return &Pipeline{
		store:          st,
		scraper:        sc,
		airtable:       airtableClient,
		searchBaseURL:  searchBaseURL,
		companiesTable: companiesTable,
	}
}

// LookupURL builds the slug-derived results URL for a company name.
func (p *Pipeline) LookupURL(name string) string {
	return strings.TrimRight(p.searchBaseURL, "/") + "/" + Slug(name)
}

// FetchResultsPage retrieves the raw search results markup for one name.
func (p *Pipeline) FetchResultsPage(ctx context.Context, name string) ([]byte, error) {
	res, err := p.scraper.Fetch(ctx, p.LookupURL(name))
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: fetch results for %q", name)
	}
	return res.Body, nil
}

// ExtractMatch parses the results page and runs the matching cascade
// against the queried name.
func (p *Pipeline) ExtractMatch(body []byte, queryName string) (MatchResult, error) {
	candidates, err := ParseResults(body)
	if err != nil {
		return MatchResult{}, err
	}
	return Match(queryName, candidates), nil
}

// Persist records the lookup outcome on the company row and mirrors found
// identifiers to the system of record.
func (p *Pipeline) Persist(ctx context.Context, company *model.Company, result MatchResult) error {
	if err := p.store.UpdateCompanyCIN(ctx, company.ID, result.CIN, result.Status); err != nil {
		return eris.Wrapf(err, "enrich: persist lookup for %q", company.Name)
	}

	matched := result.Status == model.CINStatusFound || result.Status == model.CINStatusMultipleMatches
	if !matched || p.airtable == nil || company.AirtableRecordID == "" {
		return nil
	}
	_, err := p.airtable.UpdateRecord(ctx, p.companiesTable, company.AirtableRecordID, map[string]any{
		fieldCIN: result.CIN,
	})
	if err != nil {
		// The ledger holds the identifier; the mirror catches up on the
		// next sync, so a mirror failure is not fatal here.
		zap.L().Warn("identifier mirror update failed",
			zap.String("company", company.Name),
			zap.Error(err),
		)
	}
	return nil
}

func (p *Pipeline) lookupOnce(ctx context.Context, name string) (MatchResult, error) {
	body, err := p.FetchResultsPage(ctx, name)
	if err != nil {
		return MatchResult{}, err
	}
	return p.ExtractMatch(body, name)
}

// Lookup runs the full lookup for one company and persists the outcome.
// When the primary name yields nothing and the name carries a bracketed
// erstwhile/formerly alias, the alias is tried exactly once; deeper
// fallbacks are not attempted.
func (p *Pipeline) Lookup(ctx context.Context, company *model.Company) (MatchResult, error) {
	result, err := p.lookupOnce(ctx, company.Name)
	if err != nil {
		if persistErr := p.store.UpdateCompanyCIN(ctx, company.ID, "", model.CINStatusError); persistErr != nil {
			zap.L().Warn("failed to record lookup error",
				zap.String("company", company.Name),
				zap.Error(persistErr),
			)
		}
		return MatchResult{Status: model.CINStatusError}, err
	}

	if result.Status == model.CINStatusNoResults || result.Status == model.CINStatusNotFound {
		if alias, ok := Alias(company.Name); ok {
			zap.L().Info("retrying identifier lookup with alias",
				zap.String("company", company.Name),
				zap.String("alias", alias),
			)
			aliasResult, aliasErr := p.lookupOnce(ctx, alias)
			if aliasErr != nil {
				zap.L().Warn("alias lookup failed",
					zap.String("company", company.Name),
					zap.String("alias", alias),
					zap.Error(aliasErr),
				)
			} else if aliasResult.Status == model.CINStatusFound || aliasResult.Status == model.CINStatusMultipleMatches {
				result = aliasResult
			}
		}
	}

	if err := p.Persist(ctx, company, result); err != nil {
		return result, err
	}
	return result, nil
}

// LookupPending runs lookups for companies whose identifier status is still
// pending or errored, up to the given limit. Individual failures are logged
// and counted, never fatal.
func (p *Pipeline) LookupPending(ctx context.Context, limit int) (done, failed int, err error) {
	companies, err := p.store.CompaniesNeedingCINLookup(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for i := range companies {
		if ctx.Err() != nil {
			return done, failed, ctx.Err()
		}
		if _, err := p.Lookup(ctx, &companies[i]); err != nil {
			zap.L().Warn("identifier lookup failed",
				zap.String("company", companies[i].Name),
				zap.Error(err),
			)
			failed++
			continue
		}
		done++
	}
	return done, failed, nil
}
