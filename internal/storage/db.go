// Package storage is the Pool metadata catalog: an insert-once write path
// on first observation of a new pool, and a warm-load read path the
// Subscription Registry uses to repopulate its in-memory index on startup.
// Keeps the teacher's WAL-mode SQLite setup verbatim; the schema and every
// read/write operation are new, since the teacher's tables (positions,
// trades, signals) are trade-ledger bookkeeping with no role in price
// discovery.
package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/berkode/priceengine/internal/domain"
)

// DB wraps a SQLite connection pool-metadata store.
type DB struct {
	db *sql.DB
}

// NewDB opens (creating if absent) the pool-metadata database at path, with
// WAL journaling and a busy timeout so concurrent readers never block the
// single writer for long.
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("pool catalog database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pools (
		address TEXT PRIMARY KEY,
		dex_kind TEXT NOT NULL,
		base_mint TEXT NOT NULL,
		quote_mint TEXT NOT NULL,
		base_decimals INTEGER NOT NULL,
		quote_decimals INTEGER NOT NULL,
		base_vault TEXT NOT NULL DEFAULT '',
		quote_vault TEXT NOT NULL DEFAULT '',
		first_seen_wall INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pools_base_mint ON pools(base_mint);
	`
	_, err := db.Exec(schema)
	return err
}

// InsertPoolIfAbsent records pool on first observation; a pool address is
// immutable once created, so a later call for the same address is a no-op
// rather than an overwrite.
func (d *DB) InsertPoolIfAbsent(pool domain.Pool) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO pools
		(address, dex_kind, base_mint, quote_mint, base_decimals, quote_decimals, base_vault, quote_vault, first_seen_wall)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pool.Address.String(), string(pool.DexKind), pool.BaseMint.String(), pool.QuoteMint.String(),
		pool.BaseDecimals, pool.QuoteDecimals, vaultString(pool.BaseVault), vaultString(pool.QuoteVault),
		time.Now().Unix())
	return err
}

// vaultString encodes an optional vault address for storage: the zero
// PublicKey (dex kinds whose reserves live in the pool's own account, e.g.
// raydium_clmm/pumpfun_bonding) is stored as an empty string rather than the
// base58 encoding of 32 zero bytes.
func vaultString(addr solana.PublicKey) string {
	var zero solana.PublicKey
	if addr == zero {
		return ""
	}
	return addr.String()
}

// decodeVault is vaultString's inverse: an empty column value decodes back
// to the zero PublicKey.
func decodeVault(s string) (solana.PublicKey, error) {
	if s == "" {
		return solana.PublicKey{}, nil
	}
	return solana.PublicKeyFromBase58(s)
}

// LoadAllPools reads the full catalog back, for the Subscription
// Registry's warm-load on startup.
func (d *DB) LoadAllPools() ([]domain.Pool, error) {
	rows, err := d.db.Query(`
		SELECT address, dex_kind, base_mint, quote_mint, base_decimals, quote_decimals, base_vault, quote_vault
		FROM pools`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		var address, dexKind, baseMint, quoteMint, baseVault, quoteVault string
		var baseDecimals, quoteDecimals uint8
		if err := rows.Scan(&address, &dexKind, &baseMint, &quoteMint, &baseDecimals, &quoteDecimals, &baseVault, &quoteVault); err != nil {
			return nil, err
		}
		pool, err := decodePool(address, dexKind, baseMint, quoteMint, baseDecimals, quoteDecimals, baseVault, quoteVault)
		if err != nil {
			log.Warn().Err(err).Str("address", address).Msg("dropping malformed pool row")
			continue
		}
		pools = append(pools, pool)
	}
	return pools, rows.Err()
}

func decodePool(address, dexKind, baseMint, quoteMint string, baseDecimals, quoteDecimals uint8, baseVault, quoteVault string) (domain.Pool, error) {
	addr, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return domain.Pool{}, err
	}
	base, err := solana.PublicKeyFromBase58(baseMint)
	if err != nil {
		return domain.Pool{}, err
	}
	quote, err := solana.PublicKeyFromBase58(quoteMint)
	if err != nil {
		return domain.Pool{}, err
	}
	baseVaultAddr, err := decodeVault(baseVault)
	if err != nil {
		return domain.Pool{}, err
	}
	quoteVaultAddr, err := decodeVault(quoteVault)
	if err != nil {
		return domain.Pool{}, err
	}
	return domain.Pool{
		Address:       addr,
		DexKind:       domain.DexKind(dexKind),
		BaseMint:      base,
		QuoteMint:     quote,
		BaseDecimals:  baseDecimals,
		QuoteDecimals: quoteDecimals,
		BaseVault:     baseVaultAddr,
		QuoteVault:    quoteVaultAddr,
	}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
