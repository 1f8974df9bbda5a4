package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mevrelay/auth"
)

// User is a relay credential record. Salt and HashedKey are hex-encoded; the
// plaintext secret is never stored.
type User struct {
	KeyID      string `gorm:"column:key_id;primaryKey"`
	Username   string `gorm:"column:username;index"`
	Address    string `gorm:"column:address"`
	Salt       string `gorm:"column:salt"`
	HashedKey  string `gorm:"column:hashed_key"`
	Iterations int    `gorm:"column:iterations"`
	CreatedAt  time.Time
}

func (User) TableName() string { return "relay_users" }

// DB wraps the credential table. Production deployments use Postgres; tests
// supply a sqlite dialector through New.
type DB struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the credential table.
func Open(dsn string) (*DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the credential table.
func New(db *gorm.DB) (*DB, error) {
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("migrate user store: %w", err)
	}
	return &DB{db: db}, nil
}

// GetByKeyID implements auth.CredentialStore.
func (d *DB) GetByKeyID(ctx context.Context, keyID string) (*auth.Credential, error) {
	var user User
	err := d.db.WithContext(ctx).First(&user, "key_id = ?", keyID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, auth.ErrUnknownKey
		}
		return nil, fmt.Errorf("load user %q: %w", keyID, err)
	}
	salt, err := hex.DecodeString(user.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt for %q: %w", keyID, err)
	}
	hashed, err := hex.DecodeString(user.HashedKey)
	if err != nil {
		return nil, fmt.Errorf("decode hashed key for %q: %w", keyID, err)
	}
	return &auth.Credential{
		KeyID:      user.KeyID,
		Username:   user.Username,
		Address:    user.Address,
		Salt:       salt,
		HashedKey:  hashed,
		Iterations: user.Iterations,
	}, nil
}

// Create inserts a credential record.
func (d *DB) Create(ctx context.Context, user *User) error {
	if err := d.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("create user %q: %w", user.KeyID, err)
	}
	return nil
}

// Delete removes a credential record by key ID.
func (d *DB) Delete(ctx context.Context, keyID string) error {
	res := d.db.WithContext(ctx).Delete(&User{}, "key_id = ?", keyID)
	if res.Error != nil {
		return fmt.Errorf("delete user %q: %w", keyID, res.Error)
	}
	if res.RowsAffected == 0 {
		return auth.ErrUnknownKey
	}
	return nil
}

// List returns all credential records ordered by creation time.
func (d *DB) List(ctx context.Context) ([]User, error) {
	var users []User
	if err := d.db.WithContext(ctx).Order("created_at").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
