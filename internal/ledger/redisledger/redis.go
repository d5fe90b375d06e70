// Package redisledger provides a Redis-backed Ledger Store.
//
// Each account is a hash holding its balance and plan. Debit and credit run as
// Lua scripts so the read-check-write happens atomically on the server, which
// makes the store safe to share between API instances.
package redisledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/ledger"
	"github.com/digkill/adcraft/internal/models"
)

const maxEntries = 1000

// Store is a Redis-backed credits.Ledger.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ credits.Ledger     = (*Store)(nil)
	_ ledger.Provisioner = (*Store)(nil)
)

type Option func(*Store)

// WithKeyPrefix sets the key prefix (default "adcraft:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Store on a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "adcraft:ledger:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(accountID int64) string {
	return s.keyPrefix + strconv.FormatInt(accountID, 10)
}

func (s *Store) entriesKey(accountID int64) string {
	return s.keyPrefix + strconv.FormatInt(accountID, 10) + ":entries"
}

// debitScript
// KEYS[1] = account hash, KEYS[2] = entries list
// ARGV[1] = amount, ARGV[2] = entry payload prefix, ARGV[3] = max entries
//
// Returns {status, balance}:
//
//	1  = debited, balance after
//	0  = insufficient, current balance
//	-2 = account not found
var debitScript = goredis.NewScript(`
local bal = redis.call("HGET", KEYS[1], "balance")
if not bal then
    return {-2, 0}
end
bal = tonumber(bal)
local amount = tonumber(ARGV[1])
if bal < amount then
    return {0, bal}
end
local after = redis.call("HINCRBY", KEYS[1], "balance", -amount)
redis.call("LPUSH", KEYS[2], ARGV[2] .. "|" .. tostring(-amount) .. "|" .. tostring(after))
redis.call("LTRIM", KEYS[2], 0, tonumber(ARGV[3]) - 1)
return {1, after}
`)

// creditScript
// KEYS[1] = account hash, KEYS[2] = entries list
// ARGV[1] = amount, ARGV[2] = plan ("" keeps the current plan), ARGV[3] = entry payload prefix, ARGV[4] = max entries
var creditScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-2, 0}
end
local amount = tonumber(ARGV[1])
local after = redis.call("HINCRBY", KEYS[1], "balance", amount)
if ARGV[2] ~= "" then
    redis.call("HSET", KEYS[1], "plan", ARGV[2])
end
redis.call("LPUSH", KEYS[2], ARGV[3] .. "|" .. tostring(amount) .. "|" .. tostring(after))
redis.call("LTRIM", KEYS[2], 0, tonumber(ARGV[4]) - 1)
return {1, after}
`)

func entryPrefix(reason string) string {
	return strconv.FormatInt(time.Now().UTC().Unix(), 10) + "|" + reason
}

// Provision seeds the account hash; existing fields are left untouched.
func (s *Store) Provision(ctx context.Context, accountID int64, balance int, plan models.Plan) error {
	key := s.accountKey(accountID)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "balance", balance)
		pipe.HSetNX(ctx, key, "plan", string(plan))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisledger: provision: %w", err)
	}
	return nil
}

func (s *Store) Debit(ctx context.Context, accountID int64, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, credits.ErrInvalidAmount
	}
	res, err := debitScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID), s.entriesKey(accountID)},
		amount, entryPrefix(reason), maxEntries,
	).Int64Slice()
	if err != nil {
		return 0, &credits.TransactionError{AccountID: accountID, Err: fmt.Errorf("redisledger: debit: %w", err)}
	}
	return interpret(res, accountID, amount)
}

func (s *Store) Credit(ctx context.Context, accountID int64, amount int, plan *models.Plan, reason string) (int, error) {
	if amount < 0 {
		return 0, credits.ErrInvalidAmount
	}
	planArg := ""
	if plan != nil {
		planArg = string(*plan)
	}
	res, err := creditScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID), s.entriesKey(accountID)},
		amount, planArg, entryPrefix(reason), maxEntries,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("redisledger: credit: %w", err)
	}
	return interpret(res, accountID, amount)
}

func (s *Store) Balance(ctx context.Context, accountID int64) (int, error) {
	v, err := s.client.HGet(ctx, s.accountKey(accountID), "balance").Int()
	if errors.Is(err, goredis.Nil) {
		return 0, credits.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redisledger: balance: %w", err)
	}
	return v, nil
}

// Plan returns the plan stored alongside the balance.
func (s *Store) Plan(ctx context.Context, accountID int64) (models.Plan, error) {
	v, err := s.client.HGet(ctx, s.accountKey(accountID), "plan").Result()
	if errors.Is(err, goredis.Nil) {
		return "", credits.ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redisledger: plan: %w", err)
	}
	return models.Plan(v), nil
}

func interpret(res []int64, accountID int64, amount int) (int, error) {
	if len(res) != 2 {
		return 0, fmt.Errorf("redisledger: unexpected script result %v", res)
	}
	balance := int(res[1])
	switch res[0] {
	case 1:
		return balance, nil
	case 0:
		return balance, &credits.InsufficientError{Balance: balance, Requested: amount}
	case -2:
		return 0, credits.ErrAccountNotFound
	default:
		return 0, fmt.Errorf("redisledger: unexpected status %d for account %d", res[0], accountID)
	}
}
