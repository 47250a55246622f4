package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"

	"go.yaml.in/yaml/v3"
)

// Account is a registered cloud account the gateway may target.
type Account struct {
	AccountID   string `yaml:"account_id"`
	Name        string `yaml:"name"`
	RoleARN     string `yaml:"role_arn"`
	Bucket      string `yaml:"bucket"`
	Sensitivity string `yaml:"sensitivity"`
	Enabled     bool   `yaml:"enabled"`
	IsDefault   bool   `yaml:"is_default"`
}

var (
	accountIDRe = regexp.MustCompile(`^\d{12}$`)
	roleARNRe   = regexp.MustCompile(`^arn:aws:iam::\d{12}:role/[\w+=,.@/-]+$`)
)

// ValidateAccount checks account field formats.
func ValidateAccount(a *Account) error {
	if !accountIDRe.MatchString(a.AccountID) {
		return fmt.Errorf("account id %q must be 12 digits", a.AccountID)
	}
	if a.Name == "" {
		return errors.New("account name is required")
	}
	if a.RoleARN != "" && !roleARNRe.MatchString(a.RoleARN) {
		return fmt.Errorf("role arn %q is not a valid IAM role ARN", a.RoleARN)
	}
	return nil
}

// PutAccount inserts an account. ErrExists if the id is taken.
func (s *Store) PutAccount(a *Account) error {
	if err := ValidateAccount(a); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO accounts (account_id, name, role_arn, bucket, sensitivity, enabled, is_default)
		VALUES (?,?,?,?,?,?,?)`,
		a.AccountID, a.Name, a.RoleARN, a.Bucket, a.Sensitivity, boolInt(a.Enabled), boolInt(a.IsDefault))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

// GetAccount returns the account or ErrNotFound.
func (s *Store) GetAccount(accountID string) (*Account, error) {
	row := s.db.QueryRow(accountSelect+` WHERE account_id = ?`, accountID)
	return scanAccount(row)
}

// GetDefaultAccount returns the account flagged as default.
func (s *Store) GetDefaultAccount() (*Account, error) {
	row := s.db.QueryRow(accountSelect + ` WHERE is_default = 1 AND enabled = 1 LIMIT 1`)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by id.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(accountSelect + ` ORDER BY account_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RemoveAccount deletes the account.
func (s *Store) RemoveAccount(accountID string) error {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("remove account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove account: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedAccounts loads accounts from a YAML file, inserting any that are not
// already registered. Existing rows are left untouched.
func (s *Store) SeedAccounts(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read accounts seed: %w", err)
	}
	var seed struct {
		Accounts []Account `yaml:"accounts"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse accounts seed: %w", err)
	}
	added := 0
	for i := range seed.Accounts {
		a := seed.Accounts[i]
		err := s.PutAccount(&a)
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("seed account %s: %w", a.AccountID, err)
		}
		added++
	}
	return added, nil
}

const accountSelect = `
	SELECT account_id, name, role_arn, bucket, sensitivity, enabled, is_default
	FROM accounts`

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var enabled, isDefault int
	err := row.Scan(&a.AccountID, &a.Name, &a.RoleARN, &a.Bucket, &a.Sensitivity, &enabled, &isDefault)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Enabled = enabled != 0
	a.IsDefault = isDefault != 0
	return &a, nil
}
