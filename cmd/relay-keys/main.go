// relay-keys administers the relay credential store: it mints key-pair
// credentials, lists existing records, and revokes keys. The plaintext secret
// is printed exactly once at creation and never stored.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"mevrelay/auth"
	"mevrelay/storage"
)

const defaultIterations = 10_000

func usage() {
	fmt.Fprintln(os.Stderr, `usage: relay-keys -dsn <postgres-dsn> <command> [args]

commands:
  create -username <name> [-address <0x...>] [-iterations <n>]
  list
  delete -key <keyID>`)
	os.Exit(2)
}

func main() {
	var dsn string
	flag.StringVar(&dsn, "dsn", os.Getenv("RELAY_STORE_DSN"), "credential store DSN")
	flag.Usage = usage
	flag.Parse()

	if dsn == "" || flag.NArg() == 0 {
		usage()
	}

	db, err := storage.Open(dsn)
	if err != nil {
		fatalf("open store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch flag.Arg(0) {
	case "create":
		runCreate(ctx, db, flag.Args()[1:])
	case "list":
		runList(ctx, db)
	case "delete":
		runDelete(ctx, db, flag.Args()[1:])
	default:
		usage()
	}
}

func runCreate(ctx context.Context, db *storage.DB, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	username := fs.String("username", "", "account owner")
	address := fs.String("address", "", "signer address associated with the account")
	iterations := fs.Int("iterations", defaultIterations, "PBKDF2 iteration count")
	_ = fs.Parse(args)

	if *username == "" {
		fatalf("create: -username required")
	}
	if *iterations < auth.MinKeyIterations {
		fatalf("create: iterations must be at least %d", auth.MinKeyIterations)
	}

	keyID := uuid.NewString()
	secret := uuid.NewString()
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		fatalf("generate salt: %v", err)
	}
	hashed := auth.HashSecret(secret, salt, *iterations)

	user := &storage.User{
		KeyID:      keyID,
		Username:   *username,
		Address:    *address,
		Salt:       hex.EncodeToString(salt),
		HashedKey:  hex.EncodeToString(hashed),
		Iterations: *iterations,
	}
	if err := db.Create(ctx, user); err != nil {
		fatalf("create user: %v", err)
	}

	fmt.Printf("keyID:  %s\nsecret: %s\n", keyID, secret)
	fmt.Println("store the secret now; it cannot be recovered")
}

func runList(ctx context.Context, db *storage.DB) {
	users, err := db.List(ctx)
	if err != nil {
		fatalf("list users: %v", err)
	}
	for _, u := range users {
		fmt.Printf("%s\t%s\t%s\t%s\n", u.KeyID, u.Username, u.Address, u.CreatedAt.Format(time.RFC3339))
	}
}

func runDelete(ctx context.Context, db *storage.DB, args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	keyID := fs.String("key", "", "key ID to revoke")
	_ = fs.Parse(args)

	if *keyID == "" {
		fatalf("delete: -key required")
	}
	if err := db.Delete(ctx, *keyID); err != nil {
		fatalf("delete user: %v", err)
	}
	fmt.Printf("deleted %s\n", *keyID)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
