// Package userdb stores chat accounts in sqlite with bcrypt password
// hashes.
package userdb

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	ErrExists         = errors.New("account already exists")
	ErrBadCredentials = errors.New("invalid email or password")
)

// User is a registered account, without credentials.
type User struct {
	ID       string
	Username string
	Email    string
}

// DB wraps the sqlite handle.
type DB struct {
	conn *sql.DB
}

// Open opens (and if needed initializes) the database at path. Use
// ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	_, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Create registers an account. Username and email must be unused.
func (db *DB) Create(username, email, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	var n int
	err = db.conn.QueryRow(
		"SELECT COUNT(*) FROM users WHERE username = ? OR email = ?",
		username, email,
	).Scan(&n)
	if err != nil {
		return User{}, fmt.Errorf("failed to check account: %w", err)
	}
	if n > 0 {
		return User{}, ErrExists
	}

	u := User{ID: uuid.NewString(), Username: username, Email: email}
	_, err = db.conn.Exec(
		"INSERT INTO users (id, username, email, password) VALUES (?, ?, ?, ?)",
		u.ID, u.Username, u.Email, string(hash),
	)
	if err != nil {
		return User{}, fmt.Errorf("failed to create account: %w", err)
	}
	return u, nil
}

// Authenticate verifies the credentials and returns the account.
func (db *DB) Authenticate(email, password string) (User, error) {
	var (
		u    User
		hash string
	)
	err := db.conn.QueryRow(
		"SELECT id, username, email, password FROM users WHERE email = ?",
		email,
	).Scan(&u.ID, &u.Username, &u.Email, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrBadCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to look up account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

// List returns all accounts ordered by username.
func (db *DB) List() ([]User, error) {
	rows, err := db.conn.Query("SELECT id, username, email FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
