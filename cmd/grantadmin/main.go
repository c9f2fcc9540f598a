package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: grantadmin <create-org|list-orgs|add-domain|bootstrap-owner|promote|reset-2fa> [args]")
	}

	switch os.Args[1] {
	case "create-org":
		createOrg(os.Args[2:])
	case "list-orgs":
		listOrgs(os.Args[2:])
	case "add-domain":
		addDomain(os.Args[2:])
	case "bootstrap-owner":
		bootstrapOwner(os.Args[2:])
	case "promote":
		promote(os.Args[2:])
	case "reset-2fa":
		resetTwoFactor(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func connect(url string) (*pgx.Conn, context.Context, context.CancelFunc) {
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		fatalf("missing --url (or DATABASE_URL)")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		cancel()
		fatal(err)
	}
	return conn, ctx, cancel
}

func createOrg(args []string) {
	fs := flag.NewFlagSet("create-org", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, slug, name, domain string
	var window int
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&slug, "slug", "", "org slug")
	fs.StringVar(&name, "name", "", "org display name")
	fs.StringVar(&domain, "domain", "", "hostname the org is served on")
	fs.IntVar(&window, "reminder-window", 14, "deadline reminder window in days")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	slug = strings.TrimSpace(strings.ToLower(slug))
	if slug == "" || strings.TrimSpace(name) == "" {
		fatalf("missing --slug or --name")
	}

	conn, ctx, cancel := connect(url)
	defer cancel()
	defer conn.Close(context.Background())

	var orgID string
	err := conn.QueryRow(ctx, `
INSERT INTO iam.orgs (slug, name, reminder_window_days)
VALUES ($1, $2, $3)
RETURNING id::text;
`, slug, strings.TrimSpace(name), window).Scan(&orgID)
	if err != nil {
		fatal(err)
	}

	if domain = strings.TrimSpace(strings.ToLower(domain)); domain != "" {
		if _, err := conn.Exec(ctx, `
INSERT INTO iam.org_domains (hostname, org_id) VALUES ($1, $2);
`, domain, orgID); err != nil {
			fatal(err)
		}
	}
	fmt.Println(orgID)
}

func listOrgs(args []string) {
	fs := flag.NewFlagSet("list-orgs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	conn, ctx, cancel := connect(url)
	defer cancel()
	defer conn.Close(context.Background())

	rows, err := conn.Query(ctx, `
SELECT o.id::text, o.slug, o.name, o.is_active, count(m.id)
FROM iam.orgs o
LEFT JOIN iam.org_members m ON m.org_id = o.id AND m.status = 'active'
GROUP BY o.id, o.slug, o.name, o.is_active
ORDER BY o.slug;
`)
	if err != nil {
		fatal(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, slug, name string
		var active bool
		var memberCount int
		if err := rows.Scan(&id, &slug, &name, &active, &memberCount); err != nil {
			fatal(err)
		}
		state := "active"
		if !active {
			state = "inactive"
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%d members\n", id, slug, name, state, memberCount)
	}
	if err := rows.Err(); err != nil {
		fatal(err)
	}
}

func addDomain(args []string) {
	fs := flag.NewFlagSet("add-domain", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, slug, domain string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&slug, "slug", "", "org slug")
	fs.StringVar(&domain, "domain", "", "hostname to map to the org")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	slug = strings.TrimSpace(strings.ToLower(slug))
	domain = strings.TrimSpace(strings.ToLower(domain))
	if slug == "" || domain == "" {
		fatalf("missing --slug or --domain")
	}

	conn, ctx, cancel := connect(url)
	defer cancel()
	defer conn.Close(context.Background())

	tag, err := conn.Exec(ctx, `
INSERT INTO iam.org_domains (hostname, org_id)
SELECT $1, id FROM iam.orgs WHERE slug = $2;
`, domain, slug)
	if err != nil {
		fatal(err)
	}
	if tag.RowsAffected() == 0 {
		fatalf("org not found: %s", slug)
	}
}

func bootstrapOwner(args []string) {
	fs := flag.NewFlagSet("bootstrap-owner", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, slug, email, name string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&slug, "slug", "", "org slug")
	fs.StringVar(&email, "email", "", "owner email")
	fs.StringVar(&name, "name", "", "owner display name")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	slug = strings.TrimSpace(strings.ToLower(slug))
	email = strings.TrimSpace(strings.ToLower(email))
	if slug == "" || email == "" {
		fatalf("missing --slug or --email")
	}

	conn, ctx, cancel := connect(url)
	defer cancel()
	defer conn.Close(context.Background())

	var memberID string
	err := conn.QueryRow(ctx, `
INSERT INTO iam.org_members (org_id, email, name, role, status)
SELECT id, $2, $3, 'owner', 'active' FROM iam.orgs WHERE slug = $1
RETURNING id::text;
`, slug, email, strings.TrimSpace(name)).Scan(&memberID)
	if err != nil {
		fatal(err)
	}
	fmt.Println(memberID)
}

func promote(args []string) {
	fs := flag.NewFlagSet("promote", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, slug, email, role string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&slug, "slug", "", "org slug")
	fs.StringVar(&email, "email", "", "member email")
	fs.StringVar(&role, "role", "", "new role (owner|admin|member|viewer)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	slug = strings.TrimSpace(strings.ToLower(slug))
	email = strings.TrimSpace(strings.ToLower(email))
	role = strings.TrimSpace(strings.ToLower(role))
	switch role {
	case "owner", "admin", "member", "viewer":
	default:
		fatalf("invalid --role: %s", role)
	}

	conn, ctx, cancel := connect(url)
	defer cancel()
	defer conn.Close(context.Background())

	tag, err := conn.Exec(ctx, `
UPDATE iam.org_members m
SET role = $3, updated_at = now()
FROM iam.orgs o
WHERE o.id = m.org_id AND o.slug = $1 AND m.email = $2;
`, slug, email, role)
	if err != nil {
		fatal(err)
	}
	if tag.RowsAffected() == 0 {
		fatalf("member not found: %s in %s", email, slug)
	}
}

// resetTwoFactor clears a locked-out member's TOTP enrollment and recovery
// codes so they can log in with password alone and re-enroll.
func resetTwoFactor(args []string) {
	fs := flag.NewFlagSet("reset-2fa", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, slug, email string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&slug, "slug", "", "org slug")
	fs.StringVar(&email, "email", "", "member email")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	slug = strings.TrimSpace(strings.ToLower(slug))
	email = strings.TrimSpace(strings.ToLower(email))
	if slug == "" || email == "" {
		fatalf("missing --slug or --email")
	}

	conn, ctx, cancel := connect(url)
	defer cancel()
	defer conn.Close(context.Background())

	var orgID, memberID string
	err := conn.QueryRow(ctx, `
SELECT o.id::text, m.id::text
FROM iam.org_members m
JOIN iam.orgs o ON o.id = m.org_id
WHERE o.slug = $1 AND m.email = $2;
`, slug, email).Scan(&orgID, &memberID)
	if err != nil {
		fatal(err)
	}

	if _, err := conn.Exec(ctx, `
DELETE FROM iam.totp_secrets WHERE org_id = $1 AND member_id = $2;
`, orgID, memberID); err != nil {
		fatal(err)
	}
	if _, err := conn.Exec(ctx, `
DELETE FROM iam.recovery_codes WHERE org_id = $1 AND member_id = $2;
`, orgID, memberID); err != nil {
		fatal(err)
	}
	fmt.Println("2fa reset for", email)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
