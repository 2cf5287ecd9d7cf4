package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/beefy-bi/import-engine/internal/models"
)

// UpsertInvestors resolves a batch of addresses to investor ids,
// inserting any addresses seen for the first time. Grounded on the
// teacher's bulk UNNEST-then-ON-CONFLICT pattern (postgres_ingest.go's
// block upsert), adapted here to also RETURN the surrogate ids the
// caller needs to write investment_ts rows.
func (r *Repository) UpsertInvestors(ctx context.Context, addresses []string) (map[string]int64, error) {
	if len(addresses) == 0 {
		return map[string]int64{}, nil
	}
	addresses = dedupeStrings(addresses)

	rows, err := r.db.Query(ctx, `
		INSERT INTO investor (address)
		SELECT u.address FROM UNNEST($1::text[]) AS u(address)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING investor_id, address`,
		addresses,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert investors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(addresses))
	for rows.Next() {
		var id int64
		var addr string
		if err := rows.Scan(&id, &addr); err != nil {
			return nil, fmt.Errorf("scan upserted investor: %w", err)
		}
		out[addr] = id
	}
	return out, rows.Err()
}

// UpsertInvestments bulk-writes balance snapshots. Numeric fields
// overwrite on conflict, matching §6.1's stated upsert semantics.
func (r *Repository) UpsertInvestments(ctx context.Context, investments []models.Investment) error {
	if len(investments) == 0 {
		return nil
	}

	datetimes := make([]any, len(investments))
	productIDs := make([]int64, len(investments))
	investorIDs := make([]int64, len(investments))
	balances := make([]string, len(investments))
	data := make([][]byte, len(investments))

	for i, inv := range investments {
		datetimes[i] = inv.Datetime
		productIDs[i] = inv.ProductID
		investorIDs[i] = inv.InvestorID
		balances[i] = inv.Balance.String()
		raw, err := json.Marshal(inv.InvestmentData)
		if err != nil {
			return fmt.Errorf("encode investment_data: %w", err)
		}
		data[i] = raw
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO investment_ts (investor_id, product_id, datetime, balance, investment_data)
		SELECT u.investor_id, u.product_id, u.datetime, u.balance, u.investment_data
		FROM UNNEST($1::bigint[], $2::bigint[], $3::timestamptz[], $4::numeric[], $5::jsonb[])
			AS u(investor_id, product_id, datetime, balance, investment_data)
		ON CONFLICT (investor_id, product_id, datetime) DO UPDATE SET
			balance = EXCLUDED.balance,
			investment_data = investment_ts.investment_data || EXCLUDED.investment_data`,
		investorIDs, productIDs, datetimes, balances, data,
	)
	if err != nil {
		return fmt.Errorf("upsert investments: %w", err)
	}
	return nil
}

// UpsertPricePoints bulk-writes price_ts rows. BlockNumber is nil for
// pure off-chain oracle samples; PPFS samples carry it so the row keys
// against the same block the balance snapshot used.
func (r *Repository) UpsertPricePoints(ctx context.Context, points []models.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	datetimes := make([]any, len(points))
	feedIDs := make([]int64, len(points))
	blocks := make([]any, len(points))
	prices := make([]string, len(points))
	debugIDs := make([]any, len(points))

	for i, p := range points {
		datetimes[i] = p.Datetime
		feedIDs[i] = p.PriceFeedID
		prices[i] = p.Price.String()
		if p.BlockNumber != nil {
			blocks[i] = int64(*p.BlockNumber)
		}
		if p.DebugDataUUID != nil {
			debugIDs[i] = *p.DebugDataUUID
		}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO price_ts (price_feed_id, block_number, datetime, price, debug_data_uuid)
		SELECT u.price_feed_id, u.block_number, u.datetime, u.price, u.debug_data_uuid
		FROM UNNEST($1::bigint[], $2::bigint[], $3::timestamptz[], $4::numeric[], $5::uuid[])
			AS u(price_feed_id, block_number, datetime, price, debug_data_uuid)
		ON CONFLICT (price_feed_id, block_number, datetime) DO UPDATE SET
			price = EXCLUDED.price,
			debug_data_uuid = COALESCE(EXCLUDED.debug_data_uuid, price_ts.debug_data_uuid)`,
		feedIDs, blocks, datetimes, prices, debugIDs,
	)
	if err != nil {
		return fmt.Errorf("upsert price points: %w", err)
	}
	return nil
}

// InsertDebugData records a raw RPC response or computation trace
// alongside a price_ts row, the way a caller sets PricePoint.DebugDataUUID
// before calling UpsertPricePoints.
func (r *Repository) InsertDebugData(ctx context.Context, originTable string, debugData any) (uuid.UUID, error) {
	id := uuid.New()
	raw, err := json.Marshal(debugData)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode debug data: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO debug_data_ts (debug_data_uuid, datetime, origin_table, debug_data)
		VALUES ($1, now(), $2, $3)`,
		id, originTable, raw,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert debug data: %w", err)
	}
	return id, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
