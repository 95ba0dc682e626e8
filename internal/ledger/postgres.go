package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"pumpcrash/internal/apperr"
	"pumpcrash/internal/fairness"
)

//go:embed schema.sql
var schema string

const (
	minBankroll = 100000000

	uniqueViolation = "23505"
)

const (
	selectHashQuery  = `SELECT hash FROM game_hashes WHERE game_id = $1`
	insertGameQuery  = `INSERT INTO games (id, game_crash) VALUES ($1, $2)`
	debitQuery       = `UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1`
	insertPlayQuery  = `INSERT INTO plays (user_id, game_id, bet, auto_cash_out) VALUES ($1, $2, $3, $4) RETURNING id`
	settlePlayQuery  = `UPDATE plays SET cash_out = $1 WHERE id = $2 AND user_id = $3 AND cash_out IS NULL`
	creditQuery      = `UPDATE users SET balance = balance + $1 WHERE id = $2`
	playCashOutQuery = `SELECT cash_out FROM plays WHERE id = $1 AND user_id = $2`
	endGameQuery     = `UPDATE games SET ended = true WHERE id = $1`
	lastGameQuery    = `SELECT MAX(id) FROM games`
	insertHashesSQL  = `INSERT INTO game_hashes (game_id, hash) SELECT * FROM unnest($1::bigint[], $2::text[]) ON CONFLICT (game_id) DO NOTHING`
	validateOTTQuery = `WITH t AS (
		UPDATE sessions SET expired = now()
		WHERE id = $1 AND ott = TRUE AND expired > now()
		RETURNING user_id
	)
	SELECT id, username, balance, userclass FROM users WHERE id = (SELECT user_id FROM t)`
	bankrollQuery = `SELECT (
		(SELECT COALESCE(SUM(amount), 0) FROM fundings) -
		(SELECT COALESCE(SUM(balance), 0) FROM users)
	) AS profit`
	bonusQuery = `WITH vals AS (
		SELECT
			unnest($1::bigint[]) AS user_id,
			unnest($2::bigint[]) AS play_id,
			unnest($3::bigint[]) AS bonus
	),
	p AS (
		UPDATE plays SET bonus = vals.bonus
		FROM vals
		WHERE id = vals.play_id AND plays.game_id = $4
		RETURNING vals.user_id
	),
	u AS (
		UPDATE users SET balance = balance + vals.bonus
		FROM vals
		WHERE id = vals.user_id
		RETURNING vals.user_id
	)
	SELECT COUNT(*) FROM p JOIN u ON p.user_id = u.user_id`
	historyQuery = `SELECT games.id, games.game_crash, games.created,
		COALESCE((SELECT hash FROM game_hashes WHERE game_id = games.id), ''),
		(SELECT to_json(array_agg(to_json(pv)))
			FROM (SELECT users.username, plays.bet,
				(100 * plays.cash_out / plays.bet) AS stopped_at, plays.bonus
				FROM plays JOIN users ON plays.user_id = users.id
				WHERE plays.game_id = games.id) pv)
	FROM games
	WHERE games.ended = true
	ORDER BY games.id DESC
	LIMIT $1`
)

// Open connects with lib/pq and sizes the pool.
func Open(dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

type PostgresOptions struct {
	HouseEdgeBPS   int64
	BankrollOffset int64
	Genesis        int64
	Retry          RetryPolicy
	Logger         logrus.FieldLogger
}

type Postgres struct {
	db   *sql.DB
	opts PostgresOptions
	log  logrus.FieldLogger
}

func NewPostgres(db *sql.DB, opts PostgresOptions) *Postgres {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Postgres{db: db, opts: opts, log: log.WithField("component", "ledger")}
}

// EnsureSchema creates missing tables.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// transact runs fn inside one transaction, retried as a whole on transient
// failures.
func (s *Postgres) transact(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return s.opts.Retry.Do(ctx, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Postgres) CreateRound(ctx context.Context, id int64) (Round, error) {
	r := Round{ID: id}
	err := s.transact(ctx, "create round", func(ctx context.Context, tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, selectHashQuery, id).Scan(&r.Hash); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: round %d", ErrNoHashProvisioned, id)
			}
			return err
		}

		point, err := fairness.CrashPoint(r.Hash, s.opts.HouseEdgeBPS)
		if err != nil {
			return err
		}
		r.CrashPoint = point

		_, err = tx.ExecContext(ctx, insertGameQuery, id, point)
		return err
	})
	if err != nil {
		return Round{}, err
	}
	return r, nil
}

func (s *Postgres) RecordBet(ctx context.Context, userID, roundID, amount, autoCashOut int64) (int64, error) {
	var playID int64
	err := s.transact(ctx, "record bet", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, debitQuery, amount, userID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return apperr.ErrInsufficientBalance
		}

		err = tx.QueryRowContext(ctx, insertPlayQuery, userID, roundID, amount, autoCashOut).Scan(&playID)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return apperr.ErrDuplicateBet
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return playID, nil
}

// RecordCashOut settles the play and credits the payout. A retry that finds
// the play settled with the same payout treats an earlier attempt as
// committed.
func (s *Postgres) RecordCashOut(ctx context.Context, userID, playID, payout int64) error {
	attempt := 0
	return s.transact(ctx, "record cash out", func(ctx context.Context, tx *sql.Tx) error {
		attempt++
		res, err := tx.ExecContext(ctx, settlePlayQuery, payout, playID, userID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			if attempt == 1 {
				return apperr.ErrAlreadySettled
			}
			var stored sql.NullInt64
			if err := tx.QueryRowContext(ctx, playCashOutQuery, playID, userID).Scan(&stored); err != nil {
				return err
			}
			if stored.Valid && stored.Int64 == payout {
				return nil
			}
			return apperr.ErrAlreadySettled
		}

		res, err = tx.ExecContext(ctx, creditQuery, payout, userID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return fmt.Errorf("credit user %d: %d rows updated", userID, n)
		}
		return nil
	})
}

func (s *Postgres) EndRound(ctx context.Context, roundID int64, bonuses []Bonus) error {
	return s.transact(ctx, "end round", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, endGameQuery, roundID); err != nil {
			return err
		}
		if len(bonuses) == 0 {
			return nil
		}

		userIDs := make([]int64, len(bonuses))
		playIDs := make([]int64, len(bonuses))
		amounts := make([]int64, len(bonuses))
		for i, b := range bonuses {
			userIDs[i], playIDs[i], amounts[i] = b.UserID, b.PlayID, b.Amount
		}

		var count int
		err := tx.QueryRowContext(ctx, bonusQuery,
			pq.Array(userIDs), pq.Array(playIDs), pq.Array(amounts), roundID).Scan(&count)
		if err != nil {
			return err
		}
		if count != len(bonuses) {
			return fmt.Errorf("%w: %d rows for %d bonuses in round %d", ErrIntegrityMismatch, count, len(bonuses), roundID)
		}
		return nil
	})
}

// Bankroll is informational only; it never feeds settlement.
func (s *Postgres) Bankroll(ctx context.Context) (int64, error) {
	var profit int64
	err := s.opts.Retry.Do(ctx, "bankroll", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, bankrollQuery).Scan(&profit)
	})
	if err != nil {
		return 0, err
	}
	profit -= s.opts.BankrollOffset
	if profit < minBankroll {
		return minBankroll, nil
	}
	return profit, nil
}

// LastRoundID returns the highest created round, or the genesis id when no
// round was played yet.
func (s *Postgres) LastRoundID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.opts.Retry.Do(ctx, "last round", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, lastGameQuery).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	if !id.Valid || id.Int64 < s.opts.Genesis {
		return s.opts.Genesis, nil
	}
	return id.Int64, nil
}

func (s *Postgres) RecentRounds(ctx context.Context, limit int) ([]RoundSummary, error) {
	var out []RoundSummary
	err := s.opts.Retry.Do(ctx, "recent rounds", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, historyQuery, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var (
				r     RoundSummary
				plays []byte
			)
			if err := rows.Scan(&r.ID, &r.CrashPoint, &r.Created, &r.Hash, &plays); err != nil {
				return err
			}
			if len(plays) > 0 {
				if err := json.Unmarshal(plays, &r.Plays); err != nil {
					return fmt.Errorf("decode plays of round %d: %w", r.ID, err)
				}
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) ValidateOneTimeToken(ctx context.Context, token string) (*User, error) {
	var u User
	err := s.opts.Retry.Do(ctx, "validate ott", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, validateOTTQuery, token).Scan(&u.ID, &u.Username, &u.Balance, &u.Class)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotValidToken
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ProvisionChain stores the playable hashes of chain. Existing hashes are
// never replaced.
func (s *Postgres) ProvisionChain(ctx context.Context, chain *fairness.Chain, batch int) (int64, error) {
	if batch <= 0 {
		batch = 1000
	}
	var (
		ids      []int64
		hashes   []string
		inserted int64
	)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		var n int64
		err := s.opts.Retry.Do(ctx, "provision chain", func(ctx context.Context) error {
			res, err := s.db.ExecContext(ctx, insertHashesSQL, pq.Array(ids), pq.Array(hashes))
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return err
		}
		inserted += n
		ids, hashes = ids[:0], hashes[:0]
		return nil
	}

	err := chain.Each(func(id int64, hash string) error {
		ids = append(ids, id)
		hashes = append(hashes, hash)
		if len(ids) >= batch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return inserted, err
	}
	if err := flush(); err != nil {
		return inserted, err
	}
	s.log.WithField("inserted", inserted).Info("chain provisioned")
	return inserted, nil
}
