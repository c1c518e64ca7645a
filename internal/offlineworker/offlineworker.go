// Package offlineworker implements C7: drains offline_msg into the
// Message Store with deduplication and batching (§4.7). Concurrency comes
// from running N worker processes in the same durable-log consumer group
// (a disjoint partition set per worker, no shared mutable state) rather
// than from goroutines within one process — horizontal scaling is "add a
// process", matching §4.7's Concurrency note.
package offlineworker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"runtime/debug"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/imcore/internal/dedup"
	"github.com/adred-codev/imcore/internal/durablelog"
	"github.com/adred-codev/imcore/internal/monitoring"
	"github.com/adred-codev/imcore/internal/store"
	"github.com/adred-codev/imcore/internal/types"
)

// DLQRecord wraps either a batch that exhausted its retries or a payload
// that failed to decode at all, carrying whatever identifies the failure
// plus the error cause, per §4.7 step 5 / §8 scenario 6. RawPayload
// (base64-encoded) is set instead of Message when the original bytes
// never parsed into a types.Message.
type DLQRecord struct {
	Message      types.Message `json:"message,omitempty"`
	RawPayload   string        `json:"raw_payload,omitempty"`
	ErrorCause   string        `json:"error_cause"`
	RetryHistory []string      `json:"retry_history,omitempty"`
}

// Worker is one consumer-group member of the offline-persistence pipeline.
type Worker struct {
	log      durablelog.Consumer
	dlqLog   durablelog.Producer
	dedup    dedup.Set
	store    store.Store
	logger   zerolog.Logger
	dedupTTL time.Duration

	batchSize int
	maxWaitMS int64
	backoffs  []time.Duration
}

const DLQTopic = "dlq"

type Config struct {
	Log       durablelog.Consumer
	DLQLog    durablelog.Producer
	Dedup     dedup.Set
	Store     store.Store
	Logger    zerolog.Logger
	DedupTTL  time.Duration   // defaults to 7 days
	BatchSize int             // defaults to 100
	MaxWaitMS int64           // defaults to 5000
	Backoffs  []time.Duration // defaults to 1s,2s,4s,8s,16s per §4.7
}

func New(cfg Config) *Worker {
	ttl := cfg.DedupTTL
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = 100
	}
	wait := cfg.MaxWaitMS
	if wait == 0 {
		wait = 5000
	}
	backoffs := cfg.Backoffs
	if backoffs == nil {
		backoffs = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	}
	return &Worker{
		log:       cfg.Log,
		dlqLog:    cfg.DLQLog,
		dedup:     cfg.Dedup,
		store:     cfg.Store,
		logger:    cfg.Logger,
		dedupTTL:  ttl,
		batchSize: batch,
		maxWaitMS: wait,
		backoffs:  backoffs,
	}
}

// Run drains offline_msg until ctx is cancelled. Panics from processing a
// single batch are recovered so one malformed batch can't crash the whole
// worker process, matching the teacher's WorkerPool panic-recovery
// pattern (root worker_pool.go) generalized from "broadcast task" to
// "persist one batch".
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records, err := w.log.PollBatch(ctx, w.batchSize, w.maxWaitMS)
		if err != nil {
			w.logger.Error().Err(err).Msg("offline worker poll failed")
			continue
		}
		if len(records) == 0 {
			continue
		}
		w.processBatchRecovered(ctx, records)
	}
}

func (w *Worker) processBatchRecovered(ctx context.Context, records []durablelog.Record) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("offline worker batch panic recovered, batch skipped")
		}
	}()
	w.processBatch(ctx, records)
}

// processBatch implements §4.7's algorithm steps 1-5.
func (w *Worker) processBatch(ctx context.Context, records []durablelog.Record) {
	monitoring.OfflineWorkerBatchSize.Observe(float64(len(records)))

	messages, dropped := w.decodeAndDedup(ctx, records)
	w.logger.Debug().Int("surviving", len(messages)).Int("dropped_duplicates", dropped).Msg("offline batch decoded")

	if len(messages) == 0 {
		if err := w.log.CommitRecords(ctx, records); err != nil {
			w.logger.Error().Err(err).Msg("commit offsets for empty-after-dedup batch failed")
		}
		return
	}

	sortByRecipientThenSequence(messages)

	var history []string
	for attempt := 0; attempt <= len(w.backoffs); attempt++ {
		if attempt > 0 && w.backoffs[attempt-1] > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoffs[attempt-1]):
			}
		}
		if _, err := w.store.InsertBatch(ctx, messages); err != nil {
			history = append(history, err.Error())
			w.logger.Warn().Err(err).Int("attempt", len(history)).Msg("offline batch insert failed, retrying")
			continue
		}
		// DB commit succeeded: commit offsets only now (§4.7 step 4).
		if err := w.log.CommitRecords(ctx, records); err != nil {
			w.logger.Error().Err(err).Msg("commit offsets after successful insert failed")
		}
		return
	}

	w.sendToDLQ(ctx, messages, history)
	if err := w.log.CommitRecords(ctx, records); err != nil {
		w.logger.Error().Err(err).Msg("commit offsets after DLQ wrap failed")
	}
}

func (w *Worker) decodeAndDedup(ctx context.Context, records []durablelog.Record) ([]types.Message, int) {
	var messages []types.Message
	dropped := 0
	for _, rec := range records {
		var msg types.Message
		if err := json.Unmarshal(rec.Value, &msg); err != nil {
			// Schema/serialization error: non-retryable, straight to DLQ
			// per §4.7's failure semantics, bypassing the retry loop. There
			// is no parsed types.Message to key off, so publish the raw
			// bytes directly under the record's own key.
			w.sendRawToDLQ(ctx, rec.Key, rec.Value, "decode error: "+err.Error())
			dropped++
			continue
		}

		dup, err := w.dedup.CheckAndMark(ctx, msg.MsgID, w.dedupTTL)
		if err != nil {
			// Dedup backend error: treat as "unknown, do not mark",
			// proceed to persist — the store's unique index on msg_id
			// is the final backstop per §4.7.
			messages = append(messages, msg)
			continue
		}
		if dup {
			dropped++
			continue
		}
		messages = append(messages, msg)
	}
	return messages, dropped
}

func sortByRecipientThenSequence(messages []types.Message) {
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].RecipientID != messages[j].RecipientID {
			return messages[i].RecipientID < messages[j].RecipientID
		}
		return messages[i].Sequence < messages[j].Sequence
	})
}

func (w *Worker) sendToDLQ(ctx context.Context, messages []types.Message, history []string) {
	if w.dlqLog == nil {
		return
	}
	for _, msg := range messages {
		rec := DLQRecord{Message: msg, RetryHistory: history}
		if len(history) > 0 {
			rec.ErrorCause = history[len(history)-1]
		}
		value, err := json.Marshal(rec)
		if err != nil {
			w.logger.Error().Err(err).Msg("encode DLQ record failed")
			continue
		}
		if err := w.dlqLog.Publish(ctx, DLQTopic, msg.MsgID, value); err != nil {
			w.logger.Error().Err(err).Str("msg_id", msg.MsgID).Msg("publish to dlq failed")
			continue
		}
		monitoring.OfflineWorkerDLQTotal.Inc()
	}
}

// sendRawToDLQ publishes a payload that never parsed into a types.Message,
// keyed the same way the source record was (typically the recipient), per
// §8 scenario 6.
func (w *Worker) sendRawToDLQ(ctx context.Context, key string, raw []byte, cause string) {
	if w.dlqLog == nil {
		return
	}
	rec := DLQRecord{RawPayload: base64.StdEncoding.EncodeToString(raw), ErrorCause: cause}
	value, err := json.Marshal(rec)
	if err != nil {
		w.logger.Error().Err(err).Msg("encode DLQ record failed")
		return
	}
	if err := w.dlqLog.Publish(ctx, DLQTopic, key, value); err != nil {
		w.logger.Error().Err(err).Msg("publish raw payload to dlq failed")
		return
	}
	monitoring.OfflineWorkerDLQTotal.Inc()
}
