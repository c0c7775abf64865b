package oauthkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// DatabaseCredentialStore persists encrypted credential records using GORM.
// Plaintext tokens never reach the database: both token columns hold sealed
// ciphertext from the CredentialCipher.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	cipher      *CredentialCipher
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

type credentialRow struct {
	UserID          string `gorm:"column:user_id;primaryKey"`
	AccessTokenEnc  string `gorm:"column:access_token_enc;not null"`
	RefreshTokenEnc string `gorm:"column:refresh_token_enc;not null;default:''"`
	ExpiresAtUnix   int64  `gorm:"column:expires_at_unix;not null"`
	ScopesJSON      string `gorm:"column:scopes_json;not null;default:'[]'"`
	UpdatedAtUnix   int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRow) TableName() string {
	return "oauth_credentials"
}

// NewDatabaseCredentialStore constructs a GORM-backed store for a postgres://
// or sqlite:// URL and runs the schema migration.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string, credentialCipher *CredentialCipher) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRow{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		cipher:      credentialCipher,
		driverLabel: driverLabel,
	}, nil
}

// Get loads and decrypts the record for the user. A row whose ciphertext no
// longer authenticates is purged and reported as ErrDecryptionFailed.
func (store *DatabaseCredentialStore) Get(ctx context.Context, userID string) (*CredentialRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	var row credentialRow
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, ErrCredentialNotFound)
		}
		return nil, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, err)
	}
	record, decodeErr := store.decodeRow(row)
	if decodeErr != nil {
		if deleteErr := store.Delete(ctx, userID); deleteErr != nil {
			return nil, fmt.Errorf("credential_store.get.%s: purge failed: %v: %w", store.driverLabel, deleteErr, ErrDecryptionFailed)
		}
		return nil, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, ErrDecryptionFailed)
	}
	return record, nil
}

// Put seals the token fields and upserts the row keyed by user_id.
func (store *DatabaseCredentialStore) Put(ctx context.Context, record *CredentialRecord) error {
	if record == nil || strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("credential_store.put.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	row, encodeErr := store.encodeRecord(record)
	if encodeErr != nil {
		return fmt.Errorf("credential_store.put.%s: %w", store.driverLabel, encodeErr)
	}
	saveErr := store.db.WithContext(ctx).Save(&row).Error
	if saveErr != nil {
		return fmt.Errorf("credential_store.put.%s: %w", store.driverLabel, saveErr)
	}
	return nil
}

// Delete removes the row for the user; a missing row is not an error.
func (store *DatabaseCredentialStore) Delete(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("credential_store.delete.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	result := store.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&credentialRow{})
	if result.Error != nil {
		return fmt.Errorf("credential_store.delete.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

func (store *DatabaseCredentialStore) encodeRecord(record *CredentialRecord) (credentialRow, error) {
	accessTokenEnc, sealErr := store.cipher.Seal(record.AccessToken)
	if sealErr != nil {
		return credentialRow{}, sealErr
	}
	refreshTokenEnc := ""
	if record.RefreshToken != "" {
		sealed, refreshSealErr := store.cipher.Seal(record.RefreshToken)
		if refreshSealErr != nil {
			return credentialRow{}, refreshSealErr
		}
		refreshTokenEnc = sealed
	}
	scopes := record.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, marshalErr := json.Marshal(scopes)
	if marshalErr != nil {
		return credentialRow{}, marshalErr
	}
	return credentialRow{
		UserID:          record.UserID,
		AccessTokenEnc:  accessTokenEnc,
		RefreshTokenEnc: refreshTokenEnc,
		ExpiresAtUnix:   record.ExpiresAt.Unix(),
		ScopesJSON:      string(scopesJSON),
		UpdatedAtUnix:   record.UpdatedAt.Unix(),
	}, nil
}

func (store *DatabaseCredentialStore) decodeRow(row credentialRow) (*CredentialRecord, error) {
	accessToken, accessErr := store.cipher.Open(row.AccessTokenEnc)
	if accessErr != nil {
		return nil, accessErr
	}
	refreshToken := ""
	if row.RefreshTokenEnc != "" {
		decrypted, refreshErr := store.cipher.Open(row.RefreshTokenEnc)
		if refreshErr != nil {
			return nil, refreshErr
		}
		refreshToken = decrypted
	}
	var scopes []string
	if row.ScopesJSON != "" {
		if unmarshalErr := json.Unmarshal([]byte(row.ScopesJSON), &scopes); unmarshalErr != nil {
			scopes = nil
		}
	}
	return &CredentialRecord{
		UserID:       row.UserID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    timeFromUnix(row.ExpiresAtUnix),
		Scopes:       scopes,
		UpdatedAt:    timeFromUnix(row.UpdatedAtUnix),
	}, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
