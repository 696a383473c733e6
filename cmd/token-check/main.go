package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"github.com/verastack/chatline/pkg/auth"
	"github.com/verastack/chatline/pkg/storage"
)

func main() {
	envFile := flag.String("env", ".env", "Path to .env file")
	dbPath := flag.String("db", "", "Path to token database (defaults to TOKEN_DB_PATH, then chatline.db)")
	flag.Parse()

	log.SetFlags(0)

	fmt.Println("=== Chatline Token Diagnostic ===")

	fmt.Println("1. Checking .env file token:")
	if _, err := os.Stat(*envFile); err != nil {
		fmt.Printf("   ❌ .env file not found: %s\n", *envFile)
	} else if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("   ❌ Error loading .env: %v\n", err)
	} else {
		checkEnvToken(os.Getenv("CHATLINE_TOKEN"))
	}

	fmt.Println()

	if *dbPath == "" {
		*dbPath = os.Getenv("TOKEN_DB_PATH")
	}
	if *dbPath == "" {
		*dbPath = "chatline.db"
	}

	fmt.Println("2. Checking database tokens:")
	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Printf("   ℹ Database file not found: %s\n", *dbPath)
		fmt.Println("   (This is normal if chatline hasn't logged in yet)")
	} else {
		listTokens(*dbPath)
		fmt.Println()
		checkDecryption(*dbPath, os.Getenv("SECRET_KEY_BASE"))
	}

	fmt.Println()
	fmt.Println("=== Recommendations ===")

	if os.Getenv("SECRET_KEY_BASE") == "" {
		fmt.Println("⚠  SECRET_KEY_BASE not found in environment")
		fmt.Println("   Generate one with: openssl rand -hex 32")
		fmt.Println()
	}

	fmt.Println("To fix token issues:")
	fmt.Println("1. Set CHATLINE_EMAIL and CHATLINE_PASSWORD so chatline can log in, or")
	fmt.Println("2. Put a fresh access token in CHATLINE_TOKEN")
	fmt.Println("3. Run chatline; the token is stored encrypted and reused on restart")
}

func checkEnvToken(token string) {
	if token == "" {
		fmt.Println("   ℹ No CHATLINE_TOKEN in .env")
		return
	}

	fmt.Printf("   ✓ Token found in .env (length: %d)\n", len(token))

	claims, err := auth.ParseJWTUnsafe(token)
	if err != nil {
		fmt.Printf("   ℹ Token is not a JWT (%v); it will be stored as an opaque token\n", err)
		return
	}

	fmt.Printf("   ✓ Token parsed successfully\n")
	fmt.Printf("     - User ID: %s\n", claims.UserID)
	fmt.Printf("     - Email: %s\n", claims.Email)

	if !claims.HasExpiry() {
		fmt.Println("     - Expires: never (no exp claim)")
	} else {
		fmt.Printf("     - Expires: %s\n", claims.ExpiresAt())
	}

	if err := claims.Validate(); err != nil {
		fmt.Printf("   ❌ Token validation failed: %v\n", err)
		if claims.IsExpired() {
			fmt.Printf("     → Token expired %s ago\n", time.Since(claims.ExpiresAt()).Round(time.Second))
		}
	} else if claims.HasExpiry() {
		fmt.Printf("   ✓ Token is valid (expires in %s)\n", claims.ExpiresIn().Round(time.Second))
	} else {
		fmt.Println("   ✓ Token is valid")
	}
}

// listTokens prints token metadata straight from the database; it needs no
// key because only the token column is encrypted.
func listTokens(dbPath string) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		fmt.Printf("   ❌ Failed to open database: %v\n", err)
		return
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT id, expires_at, updated_at
		FROM tokens
		ORDER BY updated_at DESC
	`)
	if err != nil {
		fmt.Printf("   ❌ Failed to query database: %v\n", err)
		return
	}
	defer rows.Close()

	tokenCount, validCount, expiredCount := 0, 0, 0
	now := time.Now()

	for rows.Next() {
		var id int64
		var expiresAt, updatedAt time.Time

		if err := rows.Scan(&id, &expiresAt, &updatedAt); err != nil {
			fmt.Printf("   ❌ Failed to scan row: %v\n", err)
			continue
		}

		tokenCount++

		status, statusText := "✓", "valid"
		timeInfo := fmt.Sprintf("expires in %s", time.Until(expiresAt).Round(time.Second))

		if expiresAt.Before(now) {
			expiredCount++
			status, statusText = "✗", "expired"
			timeInfo = fmt.Sprintf("expired %s ago", time.Since(expiresAt).Round(time.Second))
		} else {
			validCount++
		}

		fmt.Printf("   %s Token #%d (%s)\n", status, id, statusText)
		fmt.Printf("     - Updated: %s\n", updatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("     - Expires: %s\n", expiresAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("     - Status: %s\n", timeInfo)
		fmt.Println()
	}

	if err := rows.Err(); err != nil {
		fmt.Printf("   ❌ Failed to read rows: %v\n", err)
	}

	if tokenCount == 0 {
		fmt.Println("   ℹ No tokens found in database")
	} else {
		fmt.Printf("   Summary: %d total tokens (%d valid, %d expired)\n", tokenCount, validCount, expiredCount)
	}
}

// checkDecryption confirms SECRET_KEY_BASE can read the stored session.
func checkDecryption(dbPath, secretKeyBase string) {
	fmt.Println("3. Checking stored session:")

	if secretKeyBase == "" {
		fmt.Println("   ℹ Skipped: SECRET_KEY_BASE is not set")
		return
	}

	store, err := storage.NewTokenStore(dbPath, secretKeyBase, 5*time.Second)
	if err != nil {
		fmt.Printf("   ❌ Failed to open token store: %v\n", err)
		return
	}
	defer store.Close()

	ctx := context.Background()

	_, expiresAt, err := store.LoadToken(ctx)
	if err != nil {
		fmt.Printf("   ❌ No usable token: %v\n", err)
	} else {
		fmt.Printf("   ✓ Latest token decrypts (expires in %s)\n", time.Until(expiresAt).Round(time.Second))
	}

	info, err := store.LoadUserInfo(ctx)
	switch {
	case err != nil:
		fmt.Printf("   ❌ Failed to read cached profile: %v\n", err)
	case info == nil:
		fmt.Println("   ℹ No cached profile")
	default:
		fmt.Printf("   ✓ Cached profile: %s (%s)\n", info.FullName, info.UserID)
	}
}
