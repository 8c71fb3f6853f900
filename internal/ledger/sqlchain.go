package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"reclaim/internal/domain"
)

// SQLChain is a single-node ledger kept in SQLite, used for localnet and
// tests. Each contract call runs in one immediate transaction so guards are
// evaluated and applied atomically.
type SQLChain struct {
	DB      *sql.DB
	Dispute string
	Now     func() time.Time
}

var _ Ledger = (*SQLChain)(nil)

func NewSQLChain(db *sql.DB, disputeAddress string) *SQLChain {
	return &SQLChain{DB: db, Dispute: disputeAddress, Now: time.Now}
}

func (c *SQLChain) CurrentAddress() string { return c.Dispute }

func (c *SQLChain) now() string {
	if c.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return c.Now().UTC().Format(time.RFC3339)
}

func (c *SQLChain) SubmitItem(ctx context.Context, owner, fingerprint string) (domain.Item, Receipt, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.Item{}, Receipt{}, fmt.Errorf("%w: owner is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(fingerprint) == "" {
		return domain.Item{}, Receipt{}, fmt.Errorf("%w: fingerprint is required", domain.ErrInvalidInput)
	}
	var item domain.Item
	rcpt, err := c.transact(ctx, func(tx *sql.Tx, r *Receipt) error {
		now := c.now()
		res, err := tx.ExecContext(ctx, `INSERT INTO ledger_items(owner,fingerprint,is_found,created_at) VALUES (?,?,0,?)`, owner, fingerprint, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		item = domain.Item{ID: strconv.FormatInt(id, 10), Owner: owner, Fingerprint: fingerprint, CreatedAt: now}
		return c.emit(ctx, tx, r, "registry", LogItemSubmitted, id, map[string]any{"owner": owner})
	})
	if err != nil {
		return domain.Item{}, Receipt{}, err
	}
	return item, rcpt, nil
}

func (c *SQLChain) GetItem(ctx context.Context, itemID string) (domain.Item, error) {
	id, err := parseID(itemID)
	if err != nil {
		return domain.Item{}, err
	}
	item, err := scanItem(c.DB.QueryRowContext(ctx, itemSelect+` WHERE id=?`, id))
	if err != nil {
		return domain.Item{}, chainErr(err)
	}
	return item, nil
}

func (c *SQLChain) ListItemsByOwner(ctx context.Context, owner string) ([]domain.Item, error) {
	return c.listItems(ctx, itemSelect+` WHERE owner=? COLLATE NOCASE ORDER BY id`, owner)
}

func (c *SQLChain) ListAllItems(ctx context.Context) ([]domain.Item, error) {
	return c.listItems(ctx, itemSelect+` ORDER BY id`)
}

func (c *SQLChain) VerifyFound(ctx context.Context, itemID, finder, caller string) (Receipt, error) {
	id, err := parseID(itemID)
	if err != nil {
		return Receipt{}, err
	}
	return c.transact(ctx, func(tx *sql.Tx, r *Receipt) error {
		item, err := scanItem(tx.QueryRowContext(ctx, itemSelect+` WHERE id=?`, id))
		if err != nil {
			return err
		}
		if !sameAddress(caller, item.Owner) && !sameAddress(caller, c.Dispute) {
			return fmt.Errorf("%w: only the owner or dispute resolution may verify item %s", domain.ErrUnauthorized, itemID)
		}
		if strings.TrimSpace(finder) == "" || sameAddress(finder, item.Owner) {
			return fmt.Errorf("%w: finder must be set and differ from the owner", domain.ErrInvalidInput)
		}
		res, err := tx.ExecContext(ctx, `UPDATE ledger_items SET is_found=1, finder=?, verified_at=? WHERE id=? AND is_found=0`, finder, c.now(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %s: %w", itemID, domain.ErrAlreadyVerified)
		}
		return c.emit(ctx, tx, r, "registry", LogItemVerified, id, map[string]any{"finder": finder, "caller": caller})
	})
}

func (c *SQLChain) Pledge(ctx context.Context, itemID string, amount decimal.Decimal, payer string) (Receipt, error) {
	if !amount.IsPositive() {
		return Receipt{}, domain.ErrInvalidAmount
	}
	id, err := parseID(itemID)
	if err != nil {
		return Receipt{}, err
	}
	return c.transact(ctx, func(tx *sql.Tx, r *Receipt) error {
		if _, err := scanItem(tx.QueryRowContext(ctx, itemSelect+` WHERE id=?`, id)); err != nil {
			return err
		}
		b, found, err := scanBounty(tx.QueryRowContext(ctx, bountySelect+` WHERE item_id=?`, id))
		if err != nil {
			return err
		}
		now := c.now()
		if !found {
			_, err = tx.ExecContext(ctx, `INSERT INTO ledger_bounties(item_id,amount,pledges,released,created_at) VALUES (?,?,1,0,?)`, id, amount.String(), now)
		} else {
			if b.Released {
				return fmt.Errorf("item %s: %w", itemID, domain.ErrAlreadyReleased)
			}
			_, err = tx.ExecContext(ctx, `UPDATE ledger_bounties SET amount=?, pledges=pledges+1 WHERE item_id=? AND released=0`, b.Amount.Add(amount).String(), id)
		}
		if err != nil {
			return err
		}
		return c.emit(ctx, tx, r, "escrow", LogBountyPledged, id, map[string]any{"amount": amount.String(), "payer": payer})
	})
}

func (c *SQLChain) Release(ctx context.Context, itemID, recipient, caller string) (Receipt, error) {
	id, err := parseID(itemID)
	if err != nil {
		return Receipt{}, err
	}
	return c.transact(ctx, func(tx *sql.Tx, r *Receipt) error {
		item, err := scanItem(tx.QueryRowContext(ctx, itemSelect+` WHERE id=?`, id))
		if err != nil {
			return err
		}
		if !sameAddress(caller, item.Owner) && !sameAddress(caller, recipient) && !sameAddress(caller, c.Dispute) {
			return fmt.Errorf("%w: caller may not release the bounty for item %s", domain.ErrUnauthorized, itemID)
		}
		if !item.IsFound || !sameAddress(item.Finder, recipient) {
			return fmt.Errorf("item %s, recipient %s: %w", itemID, recipient, domain.ErrNotVerified)
		}
		b, found, err := scanBounty(tx.QueryRowContext(ctx, bountySelect+` WHERE item_id=?`, id))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("bounty for item %s: %w", itemID, domain.ErrNotFound)
		}
		res, err := tx.ExecContext(ctx, `UPDATE ledger_bounties SET released=1, recipient=?, released_at=? WHERE item_id=? AND released=0`, recipient, c.now(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %s: %w", itemID, domain.ErrAlreadyReleased)
		}
		return c.emit(ctx, tx, r, "escrow", LogBountyReleased, id, map[string]any{"recipient": recipient, "amount": b.Amount.String()})
	})
}

func (c *SQLChain) GetBounty(ctx context.Context, itemID string) (domain.Bounty, bool, error) {
	id, err := parseID(itemID)
	if err != nil {
		return domain.Bounty{}, false, err
	}
	b, found, err := scanBounty(c.DB.QueryRowContext(ctx, bountySelect+` WHERE item_id=?`, id))
	if err != nil {
		return domain.Bounty{}, false, chainErr(err)
	}
	return b, found, nil
}

// LogEntry is a contract log as stored by SQLChain.
type LogEntry struct {
	TxHash   string `json:"tx_hash"`
	Contract string `json:"contract"`
	Name     string `json:"name"`
	ItemID   string `json:"item_id"`
	Data     string `json:"data_json"`
	TS       string `json:"ts"`
}

// Logs returns the logs emitted for an item in order.
func (c *SQLChain) Logs(ctx context.Context, itemID string) ([]LogEntry, error) {
	id, err := parseID(itemID)
	if err != nil {
		return nil, err
	}
	rows, err := c.DB.QueryContext(ctx, `SELECT tx_hash,contract,name,item_id,data_json,ts FROM ledger_logs WHERE item_id=? ORDER BY id`, id)
	if err != nil {
		return nil, chainErr(err)
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var l LogEntry
		var item int64
		if err := rows.Scan(&l.TxHash, &l.Contract, &l.Name, &item, &l.Data, &l.TS); err != nil {
			return nil, chainErr(err)
		}
		l.ItemID = strconv.FormatInt(item, 10)
		out = append(out, l)
	}
	return out, chainErr(rows.Err())
}

func (c *SQLChain) transact(ctx context.Context, fn func(tx *sql.Tx, r *Receipt) error) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, domain.Transient(err)
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, chainErr(err)
	}
	defer tx.Rollback()
	r := Receipt{TxHash: txHash()}
	if err := fn(tx, &r); err != nil {
		return Receipt{}, chainErr(err)
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, chainErr(err)
	}
	return r, nil
}

func (c *SQLChain) emit(ctx context.Context, tx *sql.Tx, r *Receipt, contract, name string, itemID int64, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_logs(tx_hash,contract,name,item_id,data_json,ts) VALUES (?,?,?,?,?,?)`,
		r.TxHash, contract, name, itemID, string(raw), c.now()); err != nil {
		return err
	}
	r.Logs = append(r.Logs, name)
	return nil
}

func (c *SQLChain) listItems(ctx context.Context, query string, args ...any) ([]domain.Item, error) {
	rows, err := c.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, chainErr(err)
	}
	defer rows.Close()
	var out []domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, chainErr(err)
		}
		out = append(out, item)
	}
	return out, chainErr(rows.Err())
}

const itemSelect = `SELECT id,owner,fingerprint,is_found,finder,created_at,verified_at FROM ledger_items`

const bountySelect = `SELECT item_id,amount,pledges,released,recipient,created_at,released_at FROM ledger_bounties`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (domain.Item, error) {
	var (
		item             domain.Item
		id               int64
		found            int
		finder, verified sql.NullString
	)
	if err := s.Scan(&id, &item.Owner, &item.Fingerprint, &found, &finder, &item.CreatedAt, &verified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Item{}, fmt.Errorf("item: %w", domain.ErrNotFound)
		}
		return domain.Item{}, err
	}
	item.ID = strconv.FormatInt(id, 10)
	item.IsFound = found == 1
	item.Finder = finder.String
	item.VerifiedAt = verified.String
	return item, nil
}

func scanBounty(s scanner) (domain.Bounty, bool, error) {
	var (
		b                     domain.Bounty
		id                    int64
		amount                string
		released              int
		recipient, releasedAt sql.NullString
	)
	err := s.Scan(&id, &amount, &b.Pledges, &released, &recipient, &b.CreatedAt, &releasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bounty{}, false, nil
	}
	if err != nil {
		return domain.Bounty{}, false, err
	}
	b.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return domain.Bounty{}, false, fmt.Errorf("bounty %d amount: %w", id, err)
	}
	b.ItemID = strconv.FormatInt(id, 10)
	b.Released = released == 1
	b.Recipient = recipient.String
	b.ReleasedAt = releasedAt.String
	return b, true, nil
}

func parseID(itemID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(itemID), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("item %q: %w", itemID, domain.ErrNotFound)
	}
	return id, nil
}

// chainErr passes domain errors through and reports everything else as the
// ledger being unavailable.
func chainErr(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		domain.ErrInvalidInput, domain.ErrUnauthorized, domain.ErrNotFound, domain.ErrAlreadyVerified,
		domain.ErrAlreadyReleased, domain.ErrNotVerified, domain.ErrTransient,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return domain.Transient(err)
}

func sameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func txHash() string {
	a, b := uuid.New(), uuid.New()
	return "0x" + hex.EncodeToString(a[:]) + hex.EncodeToString(b[:])
}
