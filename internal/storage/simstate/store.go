// Package simstate keeps paper accounts of the simulate exchange on disk.
package simstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DefaultDir is used when no state directory is configured.
const DefaultDir = "./data/simulate"

// Account is everything a paper account remembers between runs.
type Account struct {
	Name        string                     `json:"name"`
	Balances    map[string]decimal.Decimal `json:"balances"`
	Orders      map[string]Order           `json:"orders"`
	Withdrawals []Withdrawal               `json:"withdrawals,omitempty"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// Order is a filled paper order.
type Order struct {
	Symbol   string          `json:"symbol"`
	IsBuy    bool            `json:"is_buy"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	FilledAt time.Time       `json:"filled_at"`
}

// Withdrawal is a completed paper withdrawal.
type Withdrawal struct {
	ID       string          `json:"id"`
	Currency string          `json:"currency"`
	Address  string          `json:"address,omitempty"`
	Tag      string          `json:"tag,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	SentAt   time.Time       `json:"sent_at"`
}

// Store is one account file. Every schedule using the same account name shares it.
type Store struct {
	name string
	path string
}

func NewStore(dir, account string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create simulate state dir")
	}

	name := FileName(account)
	return &Store{name: name, path: filepath.Join(dir, name+".json")}, nil
}

// Load returns the stored account, or nil when the account was never saved.
func (s *Store) Load() (*Account, error) {
	payload, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(payload) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read paper account %s", s.name)
	}

	var acc Account
	if err := json.Unmarshal(payload, &acc); err != nil {
		return nil, errors.Wrapf(err, "decode paper account %s", s.name)
	}
	return &acc, nil
}

// Save replaces the account file through a rename so a crash never leaves half a file.
func (s *Store) Save(acc Account) error {
	acc.Name = s.name
	payload, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode paper account")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write paper account")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replace paper account")
}

// FileName maps an account name to a safe file stem: lower case letters and
// digits, runs of anything else collapsed to one underscore.
func FileName(account string) string {
	var b strings.Builder
	gap := false
	for _, r := range strings.ToLower(strings.TrimSpace(account)) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if gap && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			gap = false
			continue
		}
		gap = true
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
