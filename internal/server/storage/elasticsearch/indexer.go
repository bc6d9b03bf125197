// Package elasticsearch indexes the interaction summaries of the viewer,
// one document per event kind and flush window, in daily indices.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"go.uber.org/zap"

	"github.com/gihongjo/probeviz/internal/model"
)

// Default configuration values.
const (
	DefaultFlushBytes    = 1 << 20
	DefaultFlushInterval = 5 * time.Second

	templateName   = "probeviz-interactions"
	indexPrefix    = "probeviz-interactions-"
	indexDayLayout = "2006.01.02"
)

// Outcome values of an interaction document, worst first.
const (
	OutcomeFailure = "failure"
	OutcomeNotice  = "notice"
	OutcomeOK      = "ok"
)

// Config holds Elasticsearch indexer configuration.
type Config struct {
	Addresses     []string
	FlushBytes    int
	FlushInterval time.Duration
}

// Indexer implements model.SummaryWriter. Documents are queued on a bulk
// indexer and sent when FlushBytes or FlushInterval is reached.
type Indexer struct {
	es     *elasticsearch.Client
	bulk   esutil.BulkIndexer
	logger *zap.Logger
}

// NewIndexer connects to the cluster at cfg.Addresses. No request is made
// until the first flush or EnsureTemplate.
func NewIndexer(cfg Config, logger *zap.Logger) (*Indexer, error) {
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = DefaultFlushBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: cfg.Addresses})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	ix := &Indexer{es: es, logger: logger.Named("elasticsearch")}
	ix.bulk, err = esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:        es,
		NumWorkers:    1,
		FlushBytes:    cfg.FlushBytes,
		FlushInterval: cfg.FlushInterval,
		OnError: func(_ context.Context, err error) {
			ix.logger.Error("bulk request failed", zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}
	return ix, nil
}

// EnsureTemplate installs the index template of the daily indices.
func (ix *Indexer) EnsureTemplate(ctx context.Context) error {
	res, err := ix.es.Indices.PutIndexTemplate(templateName,
		strings.NewReader(interactionTemplate),
		ix.es.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to put index template %s: %w", templateName, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index template %s rejected: %s", templateName, res.String())
	}
	ix.logger.Info("index template ready", zap.String("template", templateName))
	return nil
}

const interactionTemplate = `{
	"index_patterns": ["probeviz-interactions-*"],
	"template": {
		"settings": {"number_of_shards": 1},
		"mappings": {
			"dynamic": "strict",
			"properties": {
				"timestamp":      {"type": "date"},
				"windowStart":    {"type": "date"},
				"windowSeconds":  {"type": "double"},
				"event":          {"type": "keyword"},
				"graph":          {"type": "keyword"},
				"outcome":        {"type": "keyword"},
				"count":          {"type": "long"},
				"notices":        {"type": "long"},
				"failures":       {"type": "long"},
				"noticeRate":     {"type": "double"},
				"failureRate":    {"type": "double"},
				"latencySamples": {"type": "long"},
				"latencyMeanMs":  {"type": "double"},
				"latencyP50Ms":   {"type": "double"},
				"latencyP95Ms":   {"type": "double"},
				"latencyP99Ms":   {"type": "double"}
			}
		}
	}
}`

// interactionDoc is the indexed form of a summary.
type interactionDoc struct {
	model.InteractionSummary
	WindowSeconds float64 `json:"windowSeconds"`
	Outcome       string  `json:"outcome"`
}

func newInteractionDoc(s model.InteractionSummary) interactionDoc {
	doc := interactionDoc{
		InteractionSummary: s,
		WindowSeconds:      s.Timestamp.Sub(s.WindowStart).Seconds(),
		Outcome:            OutcomeOK,
	}
	switch {
	case s.Failures > 0:
		doc.Outcome = OutcomeFailure
	case s.Notices > 0:
		doc.Outcome = OutcomeNotice
	}
	return doc
}

// indexFor returns the daily index a document stamped t belongs to.
func indexFor(t time.Time) string {
	return indexPrefix + t.UTC().Format(indexDayLayout)
}

// documentID is stable for a kind and window, so a retried flush
// overwrites instead of duplicating.
func documentID(s model.InteractionSummary) string {
	return s.Event + "-" + strconv.FormatInt(s.Timestamp.UnixMilli(), 10)
}

// WriteSummaries implements model.SummaryWriter.
func (ix *Indexer) WriteSummaries(ctx context.Context, summaries []model.InteractionSummary) error {
	for _, s := range summaries {
		body, err := json.Marshal(newInteractionDoc(s))
		if err != nil {
			return fmt.Errorf("failed to encode %s summary: %w", s.Event, err)
		}
		err = ix.bulk.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			Index:      indexFor(s.Timestamp),
			DocumentID: documentID(s),
			Body:       bytes.NewReader(body),
			OnFailure:  ix.rejected,
		})
		if err != nil {
			return fmt.Errorf("failed to queue %s summary: %w", s.Event, err)
		}
	}
	return nil
}

func (ix *Indexer) rejected(_ context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
	if err == nil {
		err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
	}
	ix.logger.Warn("interaction document rejected",
		zap.String("index", item.Index),
		zap.String("id", item.DocumentID),
		zap.Int("status", res.Status),
		zap.Error(err),
	)
}

// Close flushes the queued documents. It fails if any document of the
// indexer's lifetime was rejected.
func (ix *Indexer) Close(ctx context.Context) error {
	if err := ix.bulk.Close(ctx); err != nil {
		return fmt.Errorf("failed to flush interaction documents: %w", err)
	}
	st := ix.bulk.Stats()
	ix.logger.Info("bulk indexer closed",
		zap.Uint64("indexed", st.NumFlushed),
		zap.Uint64("failed", st.NumFailed),
	)
	if st.NumFailed > 0 {
		return fmt.Errorf("%d of %d interaction documents failed", st.NumFailed, st.NumAdded)
	}
	return nil
}
