package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/models"
)

// Postgres implements Interface on a pgx connection pool. The database
// enforces row-level authorisation; every query here is additionally scoped
// by user id so a bug cannot cross tenants.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logrus.Entry
}

// NewPostgres connects a pool and verifies the connection.
func NewPostgres(ctx context.Context, dsn string, logger *logrus.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing store dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	return &Postgres{pool: pool, logger: logger.WithField("component", "store")}, nil
}

// Ensure Postgres implements Interface at compile time.
var _ Interface = (*Postgres)(nil)

func (p *Postgres) FindUserBySecret(ctx context.Context, secret string) (string, string, error) {
	var user, stored string
	err := p.pool.QueryRow(ctx,
		`SELECT id, webhook_secret FROM users WHERE webhook_secret = $1`,
		secret).Scan(&user, &stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("looking up webhook user: %w", err)
	}
	return user, stored, nil
}

func (p *Postgres) GetCredentials(ctx context.Context, user, venue string) (*models.CredentialRecord, error) {
	var (
		rec       models.CredentialRecord
		fieldsRaw []byte
		stateRaw  []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT user_id, exchange, environment, fields, COALESCE(sub_state, '{}'), revision
		   FROM credentials WHERE user_id = $1 AND exchange = $2`,
		user, venue).Scan(&rec.User, &rec.Venue, &rec.Environment, &fieldsRaw, &stateRaw, &rec.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials for %s/%s: %w", user, venue, err)
	}
	if err := json.Unmarshal(fieldsRaw, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decoding credential fields: %w", err)
	}
	if err := json.Unmarshal(stateRaw, &rec.SubState); err != nil {
		return nil, fmt.Errorf("decoding credential sub-state: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) SaveCredentialSubState(ctx context.Context, user, venue string, subState map[string]string) error {
	raw, err := json.Marshal(subState)
	if err != nil {
		return fmt.Errorf("encoding credential sub-state: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`UPDATE credentials SET sub_state = $3 WHERE user_id = $1 AND exchange = $2`,
		user, venue, raw)
	if err != nil {
		return fmt.Errorf("saving credential sub-state for %s/%s: %w", user, venue, err)
	}
	return nil
}

const positionColumns = `user_id, exchange, symbol, side, qty, entry_price, entry_time,
	position_size_usd, stop_loss_price, take_profit_price, entry_order_id,
	stop_loss_order_id, take_profit_order_id, stop_loss_type,
	trailing_distance, trailing_percent, asset_class, strategy_id, id`

func scanPosition(row pgx.Row) (*models.Position, error) {
	var pos models.Position
	err := row.Scan(&pos.User, &pos.Venue, &pos.Symbol, &pos.Side, &pos.Quantity,
		&pos.EntryPrice, &pos.EntryTime, &pos.PositionSizeUSD, &pos.StopLossPrice,
		&pos.TakeProfitPrice, &pos.EntryOrderID, &pos.StopLossOrderID,
		&pos.TakeProfitOrderID, &pos.StopLossType, &pos.TrailingDistance,
		&pos.TrailingPercent, &pos.AssetClass, &pos.StrategyID, &pos.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (p *Postgres) GetPosition(ctx context.Context, user, venue, symbol string) (*models.Position, error) {
	pos, err := scanPosition(p.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		  WHERE user_id = $1 AND exchange = $2 AND symbol = $3`,
		user, venue, symbol))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading position %s/%s/%s: %w", user, venue, symbol, err)
	}
	return pos, err
}

func (p *Postgres) ListPositions(ctx context.Context, user, venue string) ([]models.Position, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		  WHERE user_id = $1 AND ($2 = '' OR exchange = $2) ORDER BY entry_time`,
		user, venue)
	if err != nil {
		return nil, fmt.Errorf("listing positions for %s: %w", user, err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning position row: %w", err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

// ListAllPositions returns every persisted open position across users. It
// is used once at startup to seed the tracker before venue reconciliation.
func (p *Postgres) ListAllPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY user_id, exchange, symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing all positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning position row: %w", err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

func (p *Postgres) SavePosition(ctx context.Context, pos *models.Position) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO positions (`+positionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		 ON CONFLICT (user_id, exchange, symbol) DO UPDATE SET
		   side = EXCLUDED.side, qty = EXCLUDED.qty,
		   entry_price = EXCLUDED.entry_price, entry_time = EXCLUDED.entry_time,
		   position_size_usd = EXCLUDED.position_size_usd,
		   stop_loss_price = EXCLUDED.stop_loss_price,
		   take_profit_price = EXCLUDED.take_profit_price,
		   entry_order_id = EXCLUDED.entry_order_id,
		   stop_loss_order_id = EXCLUDED.stop_loss_order_id,
		   take_profit_order_id = EXCLUDED.take_profit_order_id,
		   stop_loss_type = EXCLUDED.stop_loss_type,
		   trailing_distance = EXCLUDED.trailing_distance,
		   trailing_percent = EXCLUDED.trailing_percent,
		   asset_class = EXCLUDED.asset_class, strategy_id = EXCLUDED.strategy_id`,
		pos.User, pos.Venue, pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice,
		pos.EntryTime, pos.PositionSizeUSD, pos.StopLossPrice, pos.TakeProfitPrice,
		pos.EntryOrderID, pos.StopLossOrderID, pos.TakeProfitOrderID, pos.StopLossType,
		pos.TrailingDistance, pos.TrailingPercent, pos.AssetClass, pos.StrategyID, pos.ID)
	if err != nil {
		return fmt.Errorf("saving position %s/%s/%s: %w", pos.User, pos.Venue, pos.Symbol, err)
	}
	return nil
}

func (p *Postgres) UpdatePositionQuantity(ctx context.Context, user, venue, symbol string, qty decimal.Decimal) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE positions SET qty = $4 WHERE user_id = $1 AND exchange = $2 AND symbol = $3`,
		user, venue, symbol, qty)
	if err != nil {
		return fmt.Errorf("updating position qty %s/%s/%s: %w", user, venue, symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeletePosition(ctx context.Context, user, venue, symbol string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND exchange = $2 AND symbol = $3`,
		user, venue, symbol)
	if err != nil {
		return fmt.Errorf("deleting position %s/%s/%s: %w", user, venue, symbol, err)
	}
	return nil
}

func (p *Postgres) InsertTrade(ctx context.Context, t *models.ClosedTrade) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, exchange, symbol, side, entry_price, entry_time,
		   exit_price, exit_time, qty, position_size_usd, pnl_usd, pnl_percent,
		   is_winner, exit_reason, order_id, asset_class, strategy_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		t.ID, t.User, t.Venue, t.Symbol, t.Side, t.EntryPrice, t.EntryTime,
		t.ExitPrice, t.ExitTime, t.Quantity, t.PositionSizeUSD, t.PnLUSD,
		t.PnLPercent, t.IsWinner, t.ExitReason, t.OrderID, t.AssetClass, t.StrategyID)
	if err != nil {
		return fmt.Errorf("inserting trade %s/%s/%s: %w", t.User, t.Venue, t.Symbol, err)
	}
	return nil
}

func (p *Postgres) CountTradesSince(ctx context.Context, user, venue string, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades
		  WHERE user_id = $1 AND exchange = $2 AND exit_time >= $3`,
		user, venue, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting weekly trades for %s/%s: %w", user, venue, err)
	}
	return n, nil
}

func (p *Postgres) SumRealizedLossSince(ctx context.Context, user, venue string, since time.Time) (decimal.Decimal, error) {
	var loss decimal.Decimal
	// Losses are summed as a positive number.
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(-SUM(pnl_usd), 0) FROM trades
		  WHERE user_id = $1 AND exchange = $2 AND exit_time >= $3 AND pnl_usd < 0`,
		user, venue, since).Scan(&loss)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing weekly loss for %s/%s: %w", user, venue, err)
	}
	return loss, nil
}

func (p *Postgres) GetStrategy(ctx context.Context, user, id string) (*models.Strategy, error) {
	var (
		s         models.Strategy
		configRaw []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, user_id, name, status, COALESCE(asset_class, ''), COALESCE(order_config, '{}'),
		        ml_assistance_enabled, confidence_threshold
		   FROM strategies WHERE user_id = $1 AND id = $2`,
		user, id).Scan(&s.ID, &s.User, &s.Name, &s.Status, &s.AssetClass, &configRaw,
		&s.MLAssisted, &s.ConfidenceThreshold)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading strategy %s for %s: %w", id, user, err)
	}
	if err := json.Unmarshal(configRaw, &s.OrderConfig); err != nil {
		return nil, fmt.Errorf("decoding order config for strategy %s: %w", id, err)
	}
	return &s, nil
}

func (p *Postgres) ListAIStrategies(ctx context.Context, status models.AIStrategyStatus) ([]models.AIStrategy, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, name, status, exchange, risk_profile, target_assets,
		        position_size_usd, max_drawdown_percent, leverage_max,
		        is_paper_trading, confidence_threshold, COALESCE(prompt, '')
		   FROM ai_strategies WHERE status = $1`,
		status)
	if err != nil {
		return nil, fmt.Errorf("listing ai strategies: %w", err)
	}
	defer rows.Close()

	var out []models.AIStrategy
	for rows.Next() {
		var s models.AIStrategy
		if err := rows.Scan(&s.ID, &s.User, &s.Name, &s.Status, &s.Venue, &s.RiskProfile,
			&s.TargetAssets, &s.PositionSizeUSD, &s.MaxDrawdownPercent, &s.LeverageMax,
			&s.IsPaperTrading, &s.ConfidenceThreshold, &s.Prompt); err != nil {
			return nil, fmt.Errorf("scanning ai strategy row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SetAIStrategyStatus(ctx context.Context, id string, status models.AIStrategyStatus) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE ai_strategies SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating ai strategy %s status: %w", id, err)
	}
	return nil
}

func (p *Postgres) InsertAIDecision(ctx context.Context, d *models.AIDecision) error {
	snapshot, err := json.Marshal(d.MarketSnapshot)
	if err != nil {
		return fmt.Errorf("encoding market snapshot: %w", err)
	}
	indicators, err := json.Marshal(d.TechnicalIndicators)
	if err != nil {
		return fmt.Errorf("encoding indicators: %w", err)
	}
	parsed, err := json.Marshal(map[string]string{"action": d.Action, "reasoning": d.Reasoning})
	if err != nil {
		return fmt.Errorf("encoding parsed decision: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO ai_trade_decisions (id, user_id, strategy, symbol, decided_at,
		   market_snapshot, technical_indicators, parsed_decision,
		   confidence_final, decision_source, model_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.User, d.StrategyID, d.Symbol, d.DecidedAt,
		snapshot, indicators, parsed, d.Confidence, d.Source, d.ModelID)
	if err != nil {
		return fmt.Errorf("inserting ai decision for %s/%s: %w", d.User, d.Symbol, err)
	}
	return nil
}

func (p *Postgres) InsertValidationResult(ctx context.Context, r *models.ValidationResult) error {
	reasons, err := json.Marshal(r.Reasons)
	if err != nil {
		return fmt.Errorf("encoding validation reasons: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO strategy_validation_log (user_id, strategy, signal_id, symbol,
		   validation_result, confidence, threshold, reasons, checked_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.User, r.StrategyID, r.SignalID, r.Symbol, r.Result, r.Confidence,
		r.Threshold, reasons, r.CheckedAt)
	if err != nil {
		return fmt.Errorf("inserting validation result for %s: %w", r.User, err)
	}
	return nil
}

func (p *Postgres) GetVenueSettings(ctx context.Context, user, venue string) (*models.VenueSettings, error) {
	var (
		s         models.VenueSettings
		windowRaw []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT user_id, exchange, trading_window, max_trades_per_week,
		        max_loss_per_week_usd, default_position_size_usd,
		        COALESCE(symbol_blacklist, '{}'), COALESCE(symbol_whitelist, '{}')
		   FROM trade_settings_exchange WHERE user_id = $1 AND exchange = $2`,
		user, venue).Scan(&s.User, &s.Venue, &windowRaw, &s.Risk.MaxTradesPerWeek,
		&s.Risk.MaxLossPerWeekUSD, &s.DefaultPositionSizeUSD,
		&s.SymbolBlacklist, &s.SymbolWhitelist)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading settings for %s/%s: %w", user, venue, err)
	}
	if err := json.Unmarshal(windowRaw, &s.Window); err != nil {
		return nil, fmt.Errorf("decoding trading window for %s/%s: %w", user, venue, err)
	}
	s.Window.Normalize()
	return &s, nil
}

func (p *Postgres) InsertWebhookRecord(ctx context.Context, rec *models.WebhookRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO webhook_requests (id, user_id, exchange, action, symbol, payload,
		   status, error_message, note, signal_id, received_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.User, rec.Venue, rec.Action, rec.Symbol, rec.Payload,
		rec.Status, rec.Error, rec.Note, rec.SignalID, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("inserting webhook record %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Postgres) FinishWebhookRecord(ctx context.Context, id string, status models.WebhookStatus, errMsg, note string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE webhook_requests SET status = $2, error_message = $3, note = $4,
		   processed_at = NOW() WHERE id = $1`,
		id, status, errMsg, note)
	if err != nil {
		return fmt.Errorf("finishing webhook record %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) RecentSignalSeen(ctx context.Context, user, signalID string, horizon time.Duration) (bool, error) {
	if signalID == "" {
		return false, nil
	}
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_requests
		  WHERE user_id = $1 AND signal_id = $2 AND received_at >= $3
		    AND status IN ('accepted', 'executed')`,
		user, signalID, time.Now().UTC().Add(-horizon)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking duplicate signal %s: %w", signalID, err)
	}
	return n > 0, nil
}

func (p *Postgres) InsertNotification(ctx context.Context, n *models.Notification) error {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("encoding notification metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, metadata, read, sent_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.User, n.Type, n.Title, n.Message, meta, n.Read, n.SentAt)
	if err != nil {
		return fmt.Errorf("inserting notification for %s: %w", n.User, err)
	}
	return nil
}

func (p *Postgres) GetNotificationPreferences(ctx context.Context, user string) (*models.NotificationPreferences, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT toggles FROM notification_preferences WHERE user_id = $1`,
		user).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.NotificationPreferences{User: user}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading notification preferences for %s: %w", user, err)
	}
	prefs := models.NotificationPreferences{User: user}
	if err := json.Unmarshal(raw, &prefs.Enabled); err != nil {
		return nil, fmt.Errorf("decoding notification preferences for %s: %w", user, err)
	}
	return &prefs, nil
}

func (p *Postgres) HasNotificationSince(ctx context.Context, user string, t models.NotificationType, metaKey, metaValue string, since time.Time) (bool, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications
		  WHERE user_id = $1 AND type = $2 AND sent_at >= $3 AND metadata->>$4 = $5`,
		user, t, since, metaKey, metaValue).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking notification dedupe for %s: %w", user, err)
	}
	return n > 0, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
