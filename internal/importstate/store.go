package importstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beefy-bi/import-engine/internal/ierr"
	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

// payload is the on-disk shape of import_state.import_data. Field
// presence is dictated by Kind; absent fields are left zero-valued.
type payload struct {
	Type Kind `json:"type"`

	ProductID              int64     `json:"productId,omitempty"`
	Chain                  string    `json:"chain,omitempty"`
	ContractCreatedAtBlock uint64    `json:"contractCreatedAtBlock,omitempty"`
	ContractCreationDate   time.Time `json:"contractCreationDate,omitempty"`
	ChainLatestBlockNumber uint64    `json:"chainLatestBlockNumber,omitempty"`
	BlockRanges            rawRanges `json:"ranges,omitempty"`

	PriceFeedID int64 `json:"priceFeedId,omitempty"`

	FirstDate  time.Time `json:"firstDate,omitempty"`
	DateRanges rawRanges `json:"dateRanges,omitempty"`
}

type rawRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type rawRanges struct {
	Covered []rawRange `json:"covered"`
	ToRetry []rawRange `json:"toRetry"`
}

func toRaw(r Ranges[int64]) rawRanges {
	out := rawRanges{}
	for _, c := range r.Covered {
		out.Covered = append(out.Covered, rawRange{From: c.From, To: c.To})
	}
	for _, c := range r.ToRetry {
		out.ToRetry = append(out.ToRetry, rawRange{From: c.From, To: c.To})
	}
	return out
}

func fromRaw(r rawRanges) Ranges[int64] {
	out := Ranges[int64]{}
	for _, c := range r.Covered {
		out.Covered = append(out.Covered, rangeutil.Range[int64]{From: c.From, To: c.To})
	}
	for _, c := range r.ToRetry {
		out.ToRetry = append(out.ToRetry, rangeutil.Range[int64]{From: c.From, To: c.To})
	}
	return out
}

func toPayload(s *State) payload {
	p := payload{
		Type:                   s.Kind,
		ProductID:              s.ProductID,
		Chain:                  string(s.Chain),
		ContractCreatedAtBlock: s.ContractCreatedAtBlock,
		ContractCreationDate:   s.ContractCreationDate,
		ChainLatestBlockNumber: s.ChainLatestBlockNumber,
		BlockRanges:            toRaw(s.BlockRanges),
		PriceFeedID:            s.PriceFeedID,
		FirstDate:              s.FirstDate,
		DateRanges:             toRaw(s.DateRanges),
	}
	return p
}

func fromPayload(key string, p payload) *State {
	return &State{
		ImportKey:              key,
		Kind:                   p.Type,
		ProductID:              p.ProductID,
		Chain:                  models.Chain(p.Chain),
		ContractCreatedAtBlock: p.ContractCreatedAtBlock,
		ContractCreationDate:   p.ContractCreationDate,
		ChainLatestBlockNumber: p.ChainLatestBlockNumber,
		BlockRanges:            fromRaw(p.BlockRanges),
		PriceFeedID:            p.PriceFeedID,
		FirstDate:              p.FirstDate,
		DateRanges:             fromRaw(p.DateRanges),
	}
}

// Store is the pgx-backed import_state persistence facade (§4.2). All
// three operations it exposes — Fetch, Upsert, Update — are the only
// sanctioned ways to read or evolve an import key's ranges.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Fetch performs a batched read of the given import keys, returning nil
// for keys that have no row yet.
func (s *Store) Fetch(ctx context.Context, keys []string) (map[string]*State, error) {
	out := make(map[string]*State, len(keys))
	for _, k := range keys {
		out[k] = nil
	}
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT import_key, import_data
		FROM import_state
		WHERE import_key = ANY($1)`,
		keys,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch import state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan import state row: %w", err)
		}
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode import state payload for %s: %w", key, err)
		}
		out[key] = fromPayload(key, p)
	}
	return out, rows.Err()
}

// Upsert inserts a new row, or at the storage layer merges the top-level
// keys of the JSON payload into an existing one (range lists replace
// wholesale, scalar fields take the incoming value).
func (s *Store) Upsert(ctx context.Context, state *State) error {
	raw, err := json.Marshal(toPayload(state))
	if err != nil {
		return fmt.Errorf("encode import state payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_state (import_key, import_data)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (import_key) DO UPDATE
		SET import_data = import_state.import_data || EXCLUDED.import_data`,
		state.ImportKey, raw,
	)
	if err != nil {
		return fmt.Errorf("upsert import state %s: %w", state.ImportKey, err)
	}
	return nil
}

// MergeFunc folds the items targeting one import key into its current
// state (nil if the key had no prior row) and returns the new state to
// persist.
type MergeFunc func(key string, current *State) (*State, error)

// Update runs mergeFn once per distinct import key in keys,
// inside a single transaction that row-locks every referenced key in
// sorted order to avoid deadlocks with concurrent updates touching an
// overlapping key set (§5.4). Transient connection timeouts are retried
// with jittered exponential backoff, up to 10 retries after the first
// attempt; once exhausted
// the error is returned unwrapped and no state change is made.
func (s *Store) Update(ctx context.Context, keys []string, mergeFn MergeFunc) error {
	sorted := append([]string{}, keys...)
	sort.Strings(sorted)
	sorted = dedupe(sorted)

	op := func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return classifyTxErr(err)
		}
		defer tx.Rollback(ctx)

		current := make(map[string]*State, len(sorted))
		rows, err := tx.Query(ctx, `
			SELECT import_key, import_data
			FROM import_state
			WHERE import_key = ANY($1)
			ORDER BY import_key
			FOR UPDATE`,
			sorted,
		)
		if err != nil {
			return classifyTxErr(err)
		}
		for rows.Next() {
			var key string
			var raw []byte
			if err := rows.Scan(&key, &raw); err != nil {
				rows.Close()
				return backoff.Permanent(fmt.Errorf("scan locked import state row: %w", err))
			}
			var p payload
			if err := json.Unmarshal(raw, &p); err != nil {
				rows.Close()
				return backoff.Permanent(fmt.Errorf("decode locked import state payload for %s: %w", key, err))
			}
			current[key] = fromPayload(key, p)
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			return classifyTxErr(rowsErr)
		}

		for _, key := range sorted {
			next, err := mergeFn(key, current[key])
			if err != nil {
				return backoff.Permanent(fmt.Errorf("merge import state %s: %w", key, err))
			}
			raw, err := json.Marshal(toPayload(next))
			if err != nil {
				return backoff.Permanent(fmt.Errorf("encode merged import state %s: %w", key, err))
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO import_state (import_key, import_data)
				VALUES ($1, $2::jsonb)
				ON CONFLICT (import_key) DO UPDATE SET import_data = EXCLUDED.import_data`,
				key, raw,
			)
			if err != nil {
				return classifyTxErr(err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return classifyTxErr(err)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10)
	return backoff.Retry(op, policy)
}

// classifyTxErr marks pgx.ErrNoRows as permanent and wraps every other
// transaction error as an ierr.ConnectionTimeoutError, which
// backoff.Retry re-runs.
func classifyTxErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return backoff.Permanent(err)
	}
	return &ierr.ConnectionTimeoutError{Err: err}
}

func dedupe(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, k := range sorted[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
