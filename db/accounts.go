package db

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sqlInsertAccount           = `INSERT INTO accounts(id, username, display_name, summary, web_public_key, web_private_key, manually_approves_followers, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccount           = `SELECT id, username, display_name, summary, web_public_key, web_private_key, manually_approves_followers, created_at FROM accounts`
	sqlSelectAccountByUsername = sqlSelectAccount + ` WHERE username = ?`
	sqlSelectAllAccounts       = sqlSelectAccount + ` ORDER BY username`
	sqlCountAccounts           = `SELECT COUNT(*) FROM accounts`
)

// CreateAccount creates a local identity with a fresh signing key.
func (db *DB) CreateAccount(ctx context.Context, username, displayName string, manuallyApproves bool) (*domain.Account, error) {
	keypair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, err
	}
	acc := &domain.Account{
		Id:                        uuid.New(),
		Username:                  username,
		DisplayName:               displayName,
		WebPublicKey:              keypair.Public,
		WebPrivateKey:             keypair.Private,
		ManuallyApprovesFollowers: manuallyApproves,
		CreatedAt:                 time.Now().UTC(),
	}
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertAccount, acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary,
			acc.WebPublicKey, acc.WebPrivateKey, acc.ManuallyApprovesFollowers, acc.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account %s: %w", username, classify(err))
	}
	db.logger.Info("Created local account", zap.String("username", username))
	return acc, nil
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectAccountByUsername, username)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, classify(err)
	}
	return acc, nil
}

func (db *DB) ReadAllAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAllAccounts)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return accounts, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (db *DB) CountAccounts(ctx context.Context) (int64, error) {
	var n int64
	if err := db.db.QueryRowContext(ctx, sqlCountAccounts).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// LocalAccount returns the local account an actor id refers to, or
// domain.ErrNotFound when the id is not one of ours.
func (db *DB) LocalAccount(ctx context.Context, actorID string) (*domain.Account, error) {
	username, ok := db.localUsername(actorID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return db.ReadAccByUsername(ctx, username)
}

// SigningKey returns the private key and key id used to sign requests on
// behalf of a local actor.
func (db *DB) SigningKey(ctx context.Context, actorID string) (*rsa.PrivateKey, string, error) {
	acc, err := db.LocalAccount(ctx, actorID)
	if err != nil {
		return nil, "", err
	}
	key, err := util.ParsePrivateKeyPem(acc.WebPrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("signing key of %s: %w", actorID, err)
	}
	return key, acc.KeyID(db.localDomain), nil
}

func (db *DB) PublicKeyPem(ctx context.Context, actorID string) (string, error) {
	acc, err := db.LocalAccount(ctx, actorID)
	if err != nil {
		return "", err
	}
	return acc.WebPublicKey, nil
}

// localUsername extracts the username from https://<localDomain>/users/<name>.
func (db *DB) localUsername(actorID string) (string, bool) {
	parsed, err := url.Parse(actorID)
	if err != nil || !strings.EqualFold(parsed.Host, db.localDomain) {
		return "", false
	}
	username, ok := strings.CutPrefix(parsed.Path, "/users/")
	if !ok || username == "" || strings.Contains(username, "/") {
		return "", false
	}
	return username, true
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var acc domain.Account
	var id string
	err := row.Scan(&id, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.WebPublicKey, &acc.WebPrivateKey,
		&acc.ManuallyApprovesFollowers, &acc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if acc.Id, err = uuid.Parse(id); err != nil {
		return nil, errors.Join(errors.New("corrupt account id"), err)
	}
	return &acc, nil
}
